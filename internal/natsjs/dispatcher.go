package natsjs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

const (
	dispatchBatch = 100
	retryBackoff  = 10 * time.Second
	idleSleep     = 500 * time.Millisecond
	errorSleep    = time.Second
)

// OutboxSource is the slice of the store the dispatcher drains.
type OutboxSource interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher drains the outbox into JetStream. Rows stay in the outbox
// until publication succeeds, so events survive crashes between commit
// and publish; the MsgId dedup absorbs the resulting replays.
type Dispatcher struct {
	pub    *Publisher
	outbox OutboxSource
	logger *slog.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(pub *Publisher, outbox OutboxSource, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, outbox: outbox, logger: logger}
}

// Run drains the outbox until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := d.outbox.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			d.logger.Error("failed to dequeue outbox", "error", err)
			d.sleep(ctx, errorSleep)
			continue
		}

		if len(messages) == 0 {
			d.sleep(ctx, idleSleep)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Error("failed to publish event", "id", msg.ID, "subject", msg.Subject, "error", err)
				if rerr := d.outbox.MarkOutboxRetry(ctx, msg.ID, retryBackoff); rerr != nil {
					d.logger.Error("failed to schedule retry", "id", msg.ID, "error", rerr)
				}
				continue
			}
			if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Error("failed to mark published", "id", msg.ID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
