package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound aliases the domain sentinel so callers on either side of
// the interface can errors.Is against one value.
var ErrNotFound = sync.ErrNotFound

// Store is the local sqlite datastore: sync state, messages,
// attachment metadata, and the event outbox. Cursor updates are
// serialized through mu so concurrent sync cycles can never make the
// cursor regress.
type Store struct {
	db *sqlx.DB
	mu gosync.Mutex
}

// Open opens or creates the database and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode so consumers can read while a sync cycle writes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type syncStateRow struct {
	MailboxID   string `db:"mailbox_id"`
	Cursor      string `db:"cursor"`
	Expiration  int64  `db:"expiration"`
	Status      string `db:"status"`
	LastError   string `db:"last_error"`
	LastUpdated int64  `db:"last_updated"`
}

func (r *syncStateRow) toState() *sync.SyncState {
	st := &sync.SyncState{
		MailboxID:   r.MailboxID,
		Cursor:      sync.Cursor(r.Cursor),
		Status:      r.Status,
		LastError:   r.LastError,
		LastUpdated: time.Unix(r.LastUpdated, 0),
	}
	if r.Expiration > 0 {
		st.Expiration = time.Unix(r.Expiration, 0)
	}
	return st
}

// GetSyncState returns the state row for the mailbox, or ErrNotFound.
func (s *Store) GetSyncState(ctx context.Context, mailboxID string) (*sync.SyncState, error) {
	var row syncStateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT mailbox_id, cursor, expiration, status, last_error, last_updated
		 FROM sync_state WHERE mailbox_id = ?`, mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return row.toState(), nil
}

// SaveSyncState atomically replaces the mailbox's row, except for the
// cursor, which never regresses: a sync cycle may commit AdvanceCursor
// between the caller's read and this write, so the newer of the stored
// and incoming cursors wins.
func (s *Store) SaveSyncState(ctx context.Context, st *sync.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cursor := st.Cursor
	var current string
	err = tx.GetContext(ctx, &current,
		`SELECT cursor FROM sync_state WHERE mailbox_id = ?`, st.MailboxID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read current cursor: %w", err)
	}
	if err == nil {
		cursor = sync.Cursor(current).Max(cursor)
	}

	var exp int64
	if !st.Expiration.IsZero() {
		exp = st.Expiration.Unix()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (mailbox_id, cursor, expiration, status, last_error, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			cursor = excluded.cursor,
			expiration = excluded.expiration,
			status = excluded.status,
			last_error = excluded.last_error,
			last_updated = excluded.last_updated
	`, st.MailboxID, string(cursor), exp, st.Status, st.LastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}

// AdvanceCursor moves the cursor forward, never backward, and returns
// the cursor stored after the call. A read-modify-write race between
// two cycles cannot regress the cursor: updates are serialized here.
func (s *Store) AdvanceCursor(ctx context.Context, mailboxID string, cur sync.Cursor) (sync.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current,
		`SELECT cursor FROM sync_state WHERE mailbox_id = ?`, mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}

	if !sync.Cursor(current).Before(cur) {
		return sync.Cursor(current), nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_state SET cursor = ?, last_error = '', last_updated = ?
		WHERE mailbox_id = ?
	`, string(cur), time.Now().Unix(), mailboxID)
	if err != nil {
		return "", fmt.Errorf("failed to advance cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cursor advance: %w", err)
	}
	return cur, nil
}

// SetWatchStatus flips ACTIVE/STOPPED; the cursor is retained for audit.
func (s *Store) SetWatchStatus(ctx context.Context, mailboxID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET status = ?, last_updated = ? WHERE mailbox_id = ?
	`, status, time.Now().Unix(), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to set watch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSyncError notes the last failure. last_updated is left alone:
// it only moves on committed progress, so a stuck mailbox shows a
// stale timestamp to external monitoring.
func (s *Store) RecordSyncError(ctx context.Context, mailboxID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET last_error = ? WHERE mailbox_id = ?
	`, errMsg, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}
