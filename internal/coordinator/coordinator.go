// Package coordinator provides cross-process exclusivity for a POP3
// mailbox snapshot (spec.md §3 invariant: a mailbox snapshot is exclusive
// for the session's lifetime). When multiple pop3d processes share one
// durable store behind a load balancer, an in-process mutex alone cannot
// enforce that; this package optionally delegates to an external
// session-manager service over gRPC and otherwise falls back to an
// in-process mutex table, which is sufficient for a single-process
// deployment.
package coordinator

import (
	"context"
	"sync"
	"time"

	sessionmanager "github.com/infodancer/session-manager/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/infodancer/mailcore/internal/mailerr"
)

// Lock represents an exclusive hold on a mailbox. Release must be called
// exactly once, typically via defer.
type Lock interface {
	Release(ctx context.Context)
}

// Coordinator grants exclusive mailbox locks.
type Coordinator interface {
	Acquire(ctx context.Context, mailbox string) (Lock, error)
}

// localMutexCoordinator enforces exclusivity within one process using a
// table of mutexes keyed by mailbox name. It is the fallback used when no
// external session-manager endpoint is configured.
type localMutexCoordinator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal creates an in-process Coordinator.
func NewLocal() Coordinator {
	return &localMutexCoordinator{locks: make(map[string]*sync.Mutex)}
}

type localLock struct {
	mu *sync.Mutex
}

func (l *localLock) Release(ctx context.Context) { l.mu.Unlock() }

func (c *localMutexCoordinator) Acquire(ctx context.Context, mailbox string) (Lock, error) {
	c.mu.Lock()
	mtx, ok := c.locks[mailbox]
	if !ok {
		mtx = &sync.Mutex{}
		c.locks[mailbox] = mtx
	}
	c.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		mtx.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return &localLock{mu: mtx}, nil
	case <-ctx.Done():
		return nil, mailerr.Wrap(mailerr.KindTimeout, "acquiring mailbox lock", ctx.Err())
	}
}

// remoteCoordinator delegates lock arbitration to an external
// session-manager instance so several pop3d processes sharing one DS
// cannot both hold the same mailbox's snapshot exclusivity at once.
type remoteCoordinator struct {
	client *sessionmanager.Client
	owner  string
	ttl    time.Duration
}

// NewRemote dials addr and returns a Coordinator backed by the
// session-manager service. owner identifies this process instance in lock
// contention logs.
func NewRemote(addr, owner string, ttl time.Duration) (Coordinator, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTemporary, "dialing session-manager", err)
	}
	return &remoteCoordinator{
		client: sessionmanager.NewClient(conn),
		owner:  owner,
		ttl:    ttl,
	}, nil
}

type remoteLock struct {
	client  *sessionmanager.Client
	mailbox string
	owner   string
}

func (l *remoteLock) Release(ctx context.Context) {
	_ = l.client.ReleaseLock(ctx, l.mailbox, l.owner)
}

func (c *remoteCoordinator) Acquire(ctx context.Context, mailbox string) (Lock, error) {
	ok, err := c.client.AcquireLock(ctx, mailbox, c.owner, c.ttl)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTemporary, "acquiring remote mailbox lock", err)
	}
	if !ok {
		return nil, mailerr.New(mailerr.KindTemporary, "mailbox locked by another session")
	}
	return &remoteLock{client: c.client, mailbox: mailbox, owner: c.owner}, nil
}
