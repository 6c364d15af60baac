package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestResult reports which IDs of a batch are durably persisted and
// which failed and must be retried by a later cycle.
type IngestResult struct {
	Persisted []string
	Failed    []string
}

// IngesterConfig tunes the per-message retry budget. CallTimeout
// bounds each individual provider call; zero means no per-call
// deadline beyond the caller's context.
type IngesterConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	CallTimeout    time.Duration
}

// Ingester fetches full message detail and upserts it into the local
// store. Ingestion is idempotent: a message ID that already exists is
// left untouched and still counts as persisted.
type Ingester struct {
	provider Provider
	messages MessageStore
	logger   *slog.Logger
	cfg      IngesterConfig
}

// NewIngester creates a message ingester.
func NewIngester(provider Provider, messages MessageStore, logger *slog.Logger, cfg IngesterConfig) *Ingester {
	return &Ingester{provider: provider, messages: messages, logger: logger, cfg: cfg}
}

// Ingest processes the batch with skip-and-continue semantics: one
// message's failure does not abort the rest, it lands in Failed so the
// caller holds the cursor back. A message the provider reports as gone
// is skipped entirely; history listings can reference unfetchable
// messages and waiting for them would wedge the mailbox.
func (i *Ingester) Ingest(ctx context.Context, mailboxID string, ids []string) *IngestResult {
	res := &IngestResult{}
	for _, id := range ids {
		switch err := i.ingestOne(ctx, mailboxID, id); {
		case err == nil:
			res.Persisted = append(res.Persisted, id)
		case errors.Is(err, ErrMessageNotFound):
			i.logger.Warn("message vanished before fetch, skipping", "mailbox", mailboxID, "id", id)
		default:
			i.logger.Error("failed to ingest message", "mailbox", mailboxID, "id", id, "error", err)
			res.Failed = append(res.Failed, id)
		}
	}
	return res
}

func (i *Ingester) ingestOne(ctx context.Context, mailboxID, id string) error {
	var detail *MessageDetail
	err := withRetry(ctx, i.logger, "messages.get", i.cfg.RetryAttempts, i.cfg.RetryBaseDelay, i.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		detail, err = i.provider.GetMessage(ctx, mailboxID, id)
		return err
	})
	if err != nil {
		return err
	}

	var atts []AttachmentMeta
	err = withRetry(ctx, i.logger, "attachments.list", i.cfg.RetryAttempts, i.cfg.RetryBaseDelay, i.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		atts, err = i.provider.ListAttachments(ctx, mailboxID, id)
		return err
	})
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		return err
	}

	msg := buildMessage(detail)
	refs := make([]AttachmentRef, 0, len(atts))
	for _, att := range atts {
		refs = append(refs, AttachmentRef{
			MessageID:    msg.ID,
			AttachmentID: att.AttachmentID,
			Filename:     att.Filename,
			MimeType:     att.MimeType,
			SizeBytes:    att.SizeBytes,
		})
	}

	event, err := ingestedEvent(mailboxID, msg, len(refs))
	if err != nil {
		return err
	}

	inserted, err := i.messages.UpsertMessage(ctx, msg, refs, event)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", id, err)
	}
	if inserted {
		i.logger.Info("message ingested",
			"mailbox", mailboxID, "id", msg.ID, "subject", msg.Subject, "attachments", len(refs))
	} else {
		i.logger.Debug("message already present", "mailbox", mailboxID, "id", msg.ID)
	}
	return nil
}

// buildMessage normalizes provider detail into the stored shape.
func buildMessage(d *MessageDetail) *Message {
	return &Message{
		ID:         d.ID,
		ThreadID:   d.ThreadID,
		Sender:     d.Sender,
		Recipients: d.Recipients,
		Subject:    d.Subject,
		Body:       d.Body,
		ReceivedAt: d.ReceivedAt,
		IsReply:    isReply(d),
	}
}

// isReply checks the threading headers first and falls back to the
// subject prefix for mailers that set neither.
func isReply(d *MessageDetail) bool {
	if d.Header("In-Reply-To") != "" || d.Header("References") != "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(d.Subject)), "re:")
}

// ingestedEvent builds the outbox event announcing a newly persisted
// message. The NATS msg ID makes redelivered batches dedupe broker-side.
func ingestedEvent(mailboxID string, msg *Message, attachmentCount int) (*OutboxEvent, error) {
	payload, err := json.Marshal(map[string]any{
		"event_id":         uuid.NewString(),
		"ts":               time.Now().Unix(),
		"mailbox_id":       mailboxID,
		"message_id":       msg.ID,
		"thread_id":        msg.ThreadID,
		"sender":           msg.Sender,
		"subject":          msg.Subject,
		"received_at":      msg.ReceivedAt.Unix(),
		"is_reply":         msg.IsReply,
		"attachment_count": attachmentCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ingest event: %w", err)
	}

	return &OutboxEvent{
		Subject:   fmt.Sprintf("mail.%s.message.ingested", subjectToken(mailboxID)),
		EventType: "message.ingested",
		Payload:   payload,
		MsgID:     fmt.Sprintf("message.ingested|%s|%s", mailboxID, msg.ID),
	}, nil
}

// subjectToken makes a mailbox ID safe to embed as one NATS subject
// token ('.', ' ', '*', '>' are structural in subjects).
func subjectToken(mailboxID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, mailboxID)
}
