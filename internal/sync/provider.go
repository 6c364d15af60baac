package sync

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors the provider adapters translate wire failures into.
// The delta and ingest paths branch on these with errors.Is.
var (
	// ErrStaleCursor means the cursor fell outside the provider's
	// history retention window and an incremental walk is impossible.
	ErrStaleCursor = errors.New("cursor outside provider history window")

	// ErrMessageNotFound means the provider no longer has the message.
	// History listings can legitimately reference unfetchable messages.
	ErrMessageNotFound = errors.New("provider message not found")
)

// TransientError marks a failure worth retrying (timeout, rate limit,
// provider 5xx). Adapters wrap the cause; callers test with IsTransient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
// Context deadlines on provider calls count as transient.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// WatchInfo is the provider's answer to a watch registration.
type WatchInfo struct {
	Cursor     Cursor
	Expiration time.Time
}

// HistoryPage is one page of the provider's change history.
type HistoryPage struct {
	// AddedIDs are the message IDs of "message added" events on this
	// page, in provider order. May repeat IDs seen on earlier pages.
	AddedIDs []string

	// MaxCursor is the highest cursor observed on this page.
	MaxCursor Cursor

	// NextPageToken is empty on the last page.
	NextPageToken string
}

// MessageDetail is the full message as fetched from the provider.
type MessageDetail struct {
	ID         string
	ThreadID   string
	Sender     string
	Recipients []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Headers    map[string]string
}

// Header returns a header value by name, tolerating the mixed casing
// providers emit.
func (m *MessageDetail) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	AttachmentID string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

// Provider is the authenticated mailbox provider this service syncs
// against. Implementations live in internal/providers; every call is
// blocking I/O and must honor the context deadline.
type Provider interface {
	// StartWatch registers (or refreshes) change notifications for the
	// mailbox, delivered to target. Fails with *ConfigurationError for
	// permission/billing/invalid-target problems.
	StartWatch(ctx context.Context, mailboxID, target string, labelFilter []string) (*WatchInfo, error)

	// StopWatch cancels the provider-side registration.
	StopWatch(ctx context.Context, mailboxID string) error

	// ListHistorySince returns one page of "message added" history
	// strictly after from. Returns ErrStaleCursor when from is outside
	// the retention window.
	ListHistorySince(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error)

	// ListRecent returns the IDs of the most recent max messages plus
	// the provider's current cursor. Used for stale-cursor recovery.
	ListRecent(ctx context.Context, mailboxID string, max int64) ([]string, Cursor, error)

	// GetMessage fetches full message detail.
	GetMessage(ctx context.Context, mailboxID, id string) (*MessageDetail, error)

	// ListAttachments fetches attachment metadata only.
	ListAttachments(ctx context.Context, mailboxID, id string) ([]AttachmentMeta, error)
}
