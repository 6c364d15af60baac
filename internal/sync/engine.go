package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Notification is a decoded push notification: the mailbox changed up
// to Cursor. Delivery is at-least-once and may be reordered.
type Notification struct {
	MailboxID   string
	Cursor      Cursor
	MessageID   string
	PublishTime time.Time
}

// Outcome of handing a notification to the engine.
type Outcome string

const (
	// OutcomeQueued means a sync cycle was scheduled.
	OutcomeQueued Outcome = "queued"
	// OutcomeCoalesced means a cycle for the mailbox is already in
	// flight; it will re-check once it finishes.
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeDuplicate means the notified cursor is not newer than the
	// committed one; nothing to do, no provider calls made.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInactive means the mailbox has no active watch; the
	// notification is discarded.
	OutcomeInactive Outcome = "inactive"
	// OutcomeDropped means the work queue is full. The broker's
	// redelivery will retry.
	OutcomeDropped Outcome = "dropped"
)

// EngineConfig sizes the worker pool. Provider call deadlines live in
// DeltaFetcherConfig and IngesterConfig, not here.
type EngineConfig struct {
	Workers   int
	QueueSize int
}

type job struct {
	mailboxID string
	cursor    Cursor
}

// Engine runs sync cycles on a small bounded worker pool. At most one
// cycle runs per mailbox at any time; notifications arriving for an
// in-flight mailbox are coalesced into a single follow-up re-check.
type Engine struct {
	states   StateStore
	fetcher  *DeltaFetcher
	ingester *Ingester
	logger   *slog.Logger
	cfg      EngineConfig

	jobs chan job

	mu      gosync.Mutex
	running map[string]bool
	pending map[string]Cursor
}

// NewEngine creates the sync engine.
func NewEngine(states StateStore, fetcher *DeltaFetcher, ingester *Ingester, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	return &Engine{
		states:   states,
		fetcher:  fetcher,
		ingester: ingester,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(chan job, cfg.QueueSize),
		running:  make(map[string]bool),
		pending:  make(map[string]Cursor),
	}
}

// Run blocks processing sync work until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for w := 0; w < e.cfg.Workers; w++ {
		grp.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-e.jobs:
					e.runCycle(ctx, j)
				}
			}
		})
	}
	return grp.Wait()
}

// Notify validates the notification against current state and hands it
// to the workers. It never performs provider I/O itself and returns
// quickly on every path.
func (e *Engine) Notify(ctx context.Context, n *Notification) (Outcome, error) {
	st, err := e.states.GetSyncState(ctx, n.MailboxID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeInactive, nil
	}
	if err != nil {
		return "", err
	}
	if st.Status != StatusActive {
		return OutcomeInactive, nil
	}

	// Stale or redelivered notification: validated, accepted, no-op.
	if !st.Cursor.IsZero() && !st.Cursor.Before(n.Cursor) {
		return OutcomeDuplicate, nil
	}

	e.mu.Lock()
	if e.running[n.MailboxID] {
		e.pending[n.MailboxID] = e.pending[n.MailboxID].Max(n.Cursor)
		e.mu.Unlock()
		return OutcomeCoalesced, nil
	}
	e.running[n.MailboxID] = true
	e.mu.Unlock()

	select {
	case e.jobs <- job{mailboxID: n.MailboxID, cursor: n.Cursor}:
		return OutcomeQueued, nil
	default:
		e.clearRunning(n.MailboxID)
		e.logger.Warn("sync queue full, dropping notification",
			"mailbox", n.MailboxID, "cursor", n.Cursor)
		return OutcomeDropped, nil
	}
}

func (e *Engine) clearRunning(mailboxID string) {
	e.mu.Lock()
	delete(e.running, mailboxID)
	e.mu.Unlock()
}

func (e *Engine) runCycle(ctx context.Context, j job) {
	if err := e.syncOnce(ctx, j.mailboxID, j.cursor); err != nil {
		e.logger.Error("sync cycle failed", "mailbox", j.mailboxID, "cursor", j.cursor, "error", err)
		if rerr := e.states.RecordSyncError(context.WithoutCancel(ctx), j.mailboxID, err.Error()); rerr != nil {
			e.logger.Error("failed to record sync error", "mailbox", j.mailboxID, "error", rerr)
		}
	}

	// A coalesced notification arrived mid-cycle: schedule one
	// follow-up re-check. If it turns out to be covered already, the
	// duplicate check in syncOnce makes it a no-op.
	e.mu.Lock()
	next, ok := e.pending[j.mailboxID]
	if ok {
		delete(e.pending, j.mailboxID)
	} else {
		delete(e.running, j.mailboxID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	select {
	case e.jobs <- job{mailboxID: j.mailboxID, cursor: next}:
	default:
		e.clearRunning(j.mailboxID)
		e.logger.Warn("sync queue full, dropping follow-up re-check", "mailbox", j.mailboxID)
	}
}

// syncOnce runs one full cycle: delta fetch, ingest, then cursor
// advance once the whole batch is durable.
func (e *Engine) syncOnce(ctx context.Context, mailboxID string, notified Cursor) error {
	st, err := e.states.GetSyncState(ctx, mailboxID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// stop() may have landed between enqueue and execution.
	if st.Status != StatusActive {
		e.logger.Debug("watch no longer active, discarding sync", "mailbox", mailboxID)
		return nil
	}
	if !st.Cursor.IsZero() && !st.Cursor.Before(notified) {
		return nil
	}

	delta, err := e.fetcher.Sync(ctx, mailboxID, notified)
	if err != nil {
		return err
	}

	res := e.ingester.Ingest(ctx, mailboxID, delta.MessageIDs)
	if len(res.Failed) > 0 {
		// Holding the cursor back beats silently losing a message:
		// the next notification re-walks the same range.
		return &PartialIngestError{Persisted: res.Persisted, Failed: res.Failed}
	}

	if delta.NewCursor.IsZero() {
		return nil
	}
	committed, err := e.states.AdvanceCursor(ctx, mailboxID, delta.NewCursor)
	if err != nil {
		return err
	}

	e.logger.Info("sync cycle complete",
		"mailbox", mailboxID,
		"messages", len(res.Persisted),
		"cursor", committed,
		"full_resync", delta.FullResync)
	return nil
}
