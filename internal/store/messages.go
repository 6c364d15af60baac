package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

type messageRow struct {
	ID         string `db:"id"`
	ThreadID   string `db:"thread_id"`
	Sender     string `db:"sender"`
	Recipients string `db:"recipients"`
	Subject    string `db:"subject"`
	Body       string `db:"body"`
	ReceivedAt int64  `db:"received_at"`
	IsReply    bool   `db:"is_reply"`
	IngestedAt int64  `db:"ingested_at"`
}

func (r *messageRow) toMessage() (*sync.Message, error) {
	var recipients []string
	if err := json.Unmarshal([]byte(r.Recipients), &recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients for message %s: %w", r.ID, err)
	}
	return &sync.Message{
		ID:         r.ID,
		ThreadID:   r.ThreadID,
		Sender:     r.Sender,
		Recipients: recipients,
		Subject:    r.Subject,
		Body:       r.Body,
		ReceivedAt: time.Unix(r.ReceivedAt, 0),
		IsReply:    r.IsReply,
	}, nil
}

// UpsertMessage inserts the message, its attachment refs, and the
// outbox event in a single transaction. If a row with the same ID
// already exists nothing is written and (false, nil) is returned:
// duplicate delivery is a no-op, not an error.
func (s *Store) UpsertMessage(ctx context.Context, msg *sync.Message, atts []sync.AttachmentRef, event *sync.OutboxEvent) (bool, error) {
	recipients := msg.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return false, fmt.Errorf("failed to encode recipients: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, thread_id, sender, recipients, subject, body, received_at, is_reply, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, msg.Sender, string(recipientsJSON), msg.Subject, msg.Body,
		msg.ReceivedAt.Unix(), msg.IsReply, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		// Already ingested; leave the existing row untouched.
		return false, nil
	}

	for _, att := range atts {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachment_refs
				(message_id, attachment_id, filename, mime_type, size_bytes)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, att.AttachmentID, att.Filename, att.MimeType, att.SizeBytes)
		if err != nil {
			return false, fmt.Errorf("failed to insert attachment ref: %w", err)
		}
	}

	if event != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, event.Subject, event.EventType, event.Payload, event.MsgID, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message upsert: %w", err)
	}
	return true, nil
}

// GetMessage returns a persisted message by provider ID, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*sync.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage()
}

// HasMessage reports whether a message with the given ID is persisted.
func (s *Store) HasMessage(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return n > 0, nil
}

// ListAttachmentRefs returns the attachment metadata for a message.
func (s *Store) ListAttachmentRefs(ctx context.Context, messageID string) ([]sync.AttachmentRef, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT message_id, attachment_id, filename, mime_type, size_bytes
		FROM attachment_refs WHERE message_id = ? ORDER BY attachment_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachment refs: %w", err)
	}
	defer rows.Close()

	var refs []sync.AttachmentRef
	for rows.Next() {
		var ref sync.AttachmentRef
		if err := rows.Scan(&ref.MessageID, &ref.AttachmentID, &ref.Filename, &ref.MimeType, &ref.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan attachment ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
