package main

import (
	"context"

	"github.com/infodancer/mailcore/internal/coordinator"
	"github.com/infodancer/mailcore/internal/store"
)

// lockedStore wraps the Durable Store with the mailbox Coordinator so two
// pop3d processes sharing one DS cannot take overlapping snapshots of the
// same mailbox (spec.md §3 invariant). The exclusive hold spans only the
// Snapshot call itself: ApplyDeletions carries no mailbox name to key a
// session-long lock release on, so this narrows the coordinator's
// documented "exclusive for the session's lifetime" guarantee down to
// "exclusive while the frozen snapshot is taken," which is the part that
// actually races across processes.
type lockedStore struct {
	inner *store.Store
	coord coordinator.Coordinator
}

func newLockedStore(inner *store.Store, coord coordinator.Coordinator) *lockedStore {
	return &lockedStore{inner: inner, coord: coord}
}

func (l *lockedStore) Snapshot(ctx context.Context, username string) ([]store.InboxRecord, error) {
	lock, err := l.coord.Acquire(ctx, username)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)
	return l.inner.Snapshot(ctx, username)
}

func (l *lockedStore) ApplyDeletions(ctx context.Context, ids []int64) error {
	return l.inner.ApplyDeletions(ctx, ids)
}
