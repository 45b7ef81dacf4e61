// Package store implements the Durable Store (DS): the relational metadata
// layer backing both SMTP delivery (inbox/sent records) and POP3 mailbox
// snapshots. Grounded on the teacher's use of database/sql against a SQL
// backend (mirrored from foxcpp-maddy's internal/table.SQL), but opened
// against modernc.org/sqlite in WAL mode with a busy-retry loop so the
// SMTP and POP3 engines can share one file without lock contention
// surfacing as user-visible errors (spec.md §4.1/§7 storage semantics).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infodancer/mailcore/internal/authmod"
	"github.com/infodancer/mailcore/internal/mailerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	salt BLOB NOT NULL,
	hash BLOB NOT NULL,
	reversible_secret TEXT NOT NULL DEFAULT '',
	quota_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	message_id TEXT NOT NULL,
	content_key TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(username, message_id)
);
CREATE INDEX IF NOT EXISTS idx_inbox_username ON inbox(username, deleted);

CREATE TABLE IF NOT EXISTS sent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	message_id TEXT NOT NULL,
	content_key TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	sent_at INTEGER NOT NULL
);
`

// Store is the Durable Store: a sqlite-backed metadata layer for users,
// inbox, and sent records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path, enables WAL
// mode, and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "opening store", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, mailerr.Wrap(mailerr.KindStorage, "applying schema", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// busyRetry retries fn while sqlite reports SQLITE_BUSY, with capped
// exponential backoff, matching spec.md's "retry transient storage
// contention before surfacing an error" posture.
func busyRetry(ctx context.Context, fn func() error) error {
	delay := 10 * time.Millisecond
	const maxAttempts = 6
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

// Lookup implements authmod.Store against the users table.
func (s *Store) Lookup(username string) (*authmod.Credential, error) {
	row := s.db.QueryRow(`SELECT salt, hash, reversible_secret FROM users WHERE username = ?`, username)
	var salt, hash []byte
	var secret string
	if err := row.Scan(&salt, &hash, &secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mailerr.Wrap(mailerr.KindStorage, "looking up user", err)
	}
	return &authmod.Credential{Username: username, Salt: salt, Hash: hash, ReversibleSecret: secret}, nil
}

// PutUser upserts a user credential.
func (s *Store) PutUser(ctx context.Context, cred *authmod.Credential) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (username, salt, hash, reversible_secret)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET salt=excluded.salt, hash=excluded.hash, reversible_secret=excluded.reversible_secret
		`, cred.Username, cred.Salt, cred.Hash, cred.ReversibleSecret)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "upserting user", err)
		}
		return nil
	})
}

// InboxRecord is one message recorded against a mailbox.
type InboxRecord struct {
	ID         int64
	Username   string
	MessageID  string
	ContentKey string
	SizeBytes  int64
	ReceivedAt time.Time
	Deleted    bool
}

// AppendInbox records delivery of a message into username's inbox. A
// colliding message_id is silently absorbed (the row already present is
// returned, no error) rather than erroring at the SQL layer: the DS has no
// access to message bytes, so it cannot itself decide whether a collision is
// an identical resubmission or a genuine conflict. That comparison is the
// caller's responsibility (the SSE's commit path, spec.md §4.2) — it must
// verify the new content is byte-identical to what the Content Manager
// already holds for this message_id before ever reaching this call; a
// differing duplicate must be rejected upstream and never committed here.
func (s *Store) AppendInbox(ctx context.Context, rec InboxRecord) (*InboxRecord, error) {
	var result *InboxRecord
	err := busyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO inbox (username, message_id, content_key, size_bytes, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(username, message_id) DO NOTHING
		`, rec.Username, rec.MessageID, rec.ContentKey, rec.SizeBytes, rec.ReceivedAt.Unix())
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "inserting inbox record", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			existing, ferr := s.findInbox(ctx, rec.Username, rec.MessageID)
			if ferr != nil {
				return ferr
			}
			result = existing
			return nil
		}
		id, _ := res.LastInsertId()
		rec.ID = id
		result = &rec
		return nil
	})
	return result, err
}

func (s *Store) findInbox(ctx context.Context, username, messageID string) (*InboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, message_id, content_key, size_bytes, received_at, deleted
		FROM inbox WHERE username = ? AND message_id = ?
	`, username, messageID)
	var rec InboxRecord
	var receivedAt int64
	var deleted int
	if err := row.Scan(&rec.ID, &rec.Username, &rec.MessageID, &rec.ContentKey, &rec.SizeBytes, &receivedAt, &deleted); err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "finding inbox record", err)
	}
	rec.ReceivedAt = time.Unix(receivedAt, 0)
	rec.Deleted = deleted != 0
	return &rec, nil
}

// Snapshot returns the non-deleted inbox records for username, ordered by
// id, forming the frozen message list a POP3 TRANSACTION state operates
// over for the lifetime of the session (spec.md §3 invariant).
func (s *Store) Snapshot(ctx context.Context, username string) ([]InboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, message_id, content_key, size_bytes, received_at, deleted
		FROM inbox WHERE username = ? AND deleted = 0 ORDER BY id
	`, username)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "querying snapshot", err)
	}
	defer rows.Close()

	var out []InboxRecord
	for rows.Next() {
		var rec InboxRecord
		var receivedAt int64
		var deleted int
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.MessageID, &rec.ContentKey, &rec.SizeBytes, &receivedAt, &deleted); err != nil {
			return nil, mailerr.Wrap(mailerr.KindStorage, "scanning snapshot row", err)
		}
		rec.ReceivedAt = time.Unix(receivedAt, 0)
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApplyDeletions marks the given inbox record ids as deleted in a single
// transaction, applied atomically on a clean POP3 QUIT (spec.md §4.3).
func (s *Store) ApplyDeletions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "beginning deletion transaction", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `UPDATE inbox SET deleted = 1 WHERE id = ?`)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "preparing deletion statement", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return mailerr.Wrap(mailerr.KindStorage, "applying deletion", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "committing deletions", err)
		}
		return nil
	})
}

// DeliverToRecipients records one inbox row per recipient username in a
// single transaction, so a multi-recipient DATA commit is all-or-nothing
// (spec.md §4.2 DATA commit semantics: DS write success before the 250
// reply, no partial InboxRecords on failure). A recipient already holding
// this message_id is absorbed as a no-op row-wise; as with AppendInbox, the
// DS has no basis to compare message bytes, so the caller must have already
// confirmed the new submission is byte-identical to the Content Manager's
// stored copy for this message_id before calling this — a differing
// duplicate is rejected before it ever reaches here.
func (s *Store) DeliverToRecipients(ctx context.Context, recipients []string, messageID, contentKey string, size int64, receivedAt time.Time) error {
	if len(recipients) == 0 {
		return nil
	}
	return busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "beginning delivery transaction", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO inbox (username, message_id, content_key, size_bytes, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(username, message_id) DO NOTHING
		`)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "preparing delivery statement", err)
		}
		defer stmt.Close()

		for _, username := range recipients {
			if _, err := stmt.ExecContext(ctx, username, messageID, contentKey, size, receivedAt.Unix()); err != nil {
				return mailerr.Wrap(mailerr.KindStorage, "delivering to recipient", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "committing delivery", err)
		}
		return nil
	})
}

// RecordSent records a successfully submitted outbound message (SCE side
// effect, spec.md §4.4).
func (s *Store) RecordSent(ctx context.Context, username, messageID, contentKey string, size int64, sentAt time.Time) error {
	return busyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sent (username, message_id, content_key, size_bytes, sent_at)
			VALUES (?, ?, ?, ?, ?)
		`, username, messageID, contentKey, size, sentAt.Unix())
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "recording sent message", err)
		}
		return nil
	})
}
