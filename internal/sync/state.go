package sync

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no row exists for the key.
var ErrNotFound = errors.New("not found")

// Watch registration status persisted alongside the cursor.
const (
	StatusActive  = "ACTIVE"
	StatusStopped = "STOPPED"
)

// Reported states for the status() call. EXPIRED is computed from the
// expiration timestamp, never enforced here.
const (
	StateActive   = "ACTIVE"
	StateExpired  = "EXPIRED"
	StateStopped  = "STOPPED"
	StateInactive = "INACTIVE"
)

// SyncState is the singleton per-mailbox synchronization record.
type SyncState struct {
	MailboxID   string
	Cursor      Cursor
	Expiration  time.Time
	Status      string
	LastError   string
	LastUpdated time.Time
}

// Message is a locally persisted mail message. Rows are immutable once
// ingested; re-ingesting the same ID is a no-op.
type Message struct {
	ID         string
	ThreadID   string
	Sender     string
	Recipients []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	IsReply    bool
}

// AttachmentRef is attachment metadata; content is never stored.
type AttachmentRef struct {
	MessageID    string
	AttachmentID string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

// OutboxEvent is written in the same transaction as a message upsert
// and later published to NATS by the dispatcher.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// StateStore persists SyncState with single-writer discipline.
type StateStore interface {
	// GetSyncState returns the state for the mailbox, or ErrNotFound.
	GetSyncState(ctx context.Context, mailboxID string) (*SyncState, error)

	// SaveSyncState atomically replaces the mailbox's row.
	SaveSyncState(ctx context.Context, st *SyncState) error

	// AdvanceCursor moves the cursor forward, never backward. Returns
	// the cursor actually stored after the call.
	AdvanceCursor(ctx context.Context, mailboxID string, cur Cursor) (Cursor, error)

	// SetWatchStatus flips ACTIVE/STOPPED without touching the cursor.
	SetWatchStatus(ctx context.Context, mailboxID, status string) error

	// RecordSyncError notes the last failure for external monitoring.
	RecordSyncError(ctx context.Context, mailboxID, errMsg string) error
}

// MessageStore persists messages idempotently.
type MessageStore interface {
	// UpsertMessage inserts the message, its attachment refs, and the
	// outbox event in one transaction. Returns false when a row with
	// the same ID already existed (nothing is written then).
	UpsertMessage(ctx context.Context, msg *Message, atts []AttachmentRef, event *OutboxEvent) (bool, error)
}
