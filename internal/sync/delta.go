package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultResyncWindow = 50

// Delta is the outcome of one history walk: the new message IDs since
// the last committed cursor, deduplicated in first-seen order, and the
// highest cursor observed along the way.
type Delta struct {
	MessageIDs []string
	NewCursor  Cursor

	// FullResync is set when the incremental walk was impossible and
	// the bounded recent-message fallback ran instead.
	FullResync bool
}

// DeltaFetcherConfig tunes retries and the stale-cursor fallback.
// CallTimeout bounds each individual provider call; zero means no
// per-call deadline beyond the caller's context.
type DeltaFetcherConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	CallTimeout    time.Duration
	ResyncWindow   int64
}

// DeltaFetcher computes the set of newly added message IDs between the
// stored cursor and a notified cursor. It never fetches message bodies;
// that is the ingester's job.
type DeltaFetcher struct {
	provider Provider
	states   StateStore
	logger   *slog.Logger
	cfg      DeltaFetcherConfig
}

// NewDeltaFetcher creates a delta fetcher.
func NewDeltaFetcher(provider Provider, states StateStore, logger *slog.Logger, cfg DeltaFetcherConfig) *DeltaFetcher {
	if cfg.ResyncWindow <= 0 {
		cfg.ResyncWindow = defaultResyncWindow
	}
	return &DeltaFetcher{provider: provider, states: states, logger: logger, cfg: cfg}
}

// Sync pages through the provider's history from the stored cursor
// toward notified. An unknown or expired cursor falls back to a
// bounded full resync. Transient provider errors are retried with
// exponential backoff; once the budget is spent the call fails with
// *SyncFailure and the cursor is not advanced, so the next
// notification retries the same range.
func (f *DeltaFetcher) Sync(ctx context.Context, mailboxID string, notified Cursor) (*Delta, error) {
	var from Cursor
	st, err := f.states.GetSyncState(ctx, mailboxID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load sync state for %s: %w", mailboxID, err)
	}
	if st != nil {
		from = st.Cursor
	}

	if from.IsZero() {
		f.logger.Info("no previous cursor, running bounded resync", "mailbox", mailboxID)
		return f.fullResync(ctx, mailboxID, notified)
	}

	var (
		ids       []string
		seen      = make(map[string]struct{})
		newCursor = from.Max(notified)
		pageToken string
	)

	for {
		var page *HistoryPage
		err := withRetry(ctx, f.logger, "history.list", f.cfg.RetryAttempts, f.cfg.RetryBaseDelay, f.cfg.CallTimeout, func(ctx context.Context) error {
			var err error
			page, err = f.provider.ListHistorySince(ctx, mailboxID, from, pageToken)
			return err
		})
		if errors.Is(err, ErrStaleCursor) {
			f.logger.Warn("cursor outside history window, running bounded resync",
				"mailbox", mailboxID, "cursor", from)
			return f.fullResync(ctx, mailboxID, notified)
		}
		if err != nil {
			return nil, &SyncFailure{MailboxID: mailboxID, Err: err}
		}

		// The same message can appear on several pages (added, then
		// labeled); keep the first occurrence only.
		for _, id := range page.AddedIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		newCursor = newCursor.Max(page.MaxCursor)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	f.logger.Debug("history walk complete",
		"mailbox", mailboxID, "from", from, "new_cursor", newCursor, "messages", len(ids))

	return &Delta{MessageIDs: ids, NewCursor: newCursor}, nil
}

// fullResync fetches the most recent messages instead of walking
// history. The returned cursor is the provider's current position, so
// the next incremental walk starts from a live cursor.
func (f *DeltaFetcher) fullResync(ctx context.Context, mailboxID string, notified Cursor) (*Delta, error) {
	var (
		ids []string
		cur Cursor
	)
	err := withRetry(ctx, f.logger, "messages.list", f.cfg.RetryAttempts, f.cfg.RetryBaseDelay, f.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		ids, cur, err = f.provider.ListRecent(ctx, mailboxID, f.cfg.ResyncWindow)
		return err
	})
	if err != nil {
		return nil, &SyncFailure{MailboxID: mailboxID, Err: err}
	}

	return &Delta{
		MessageIDs: ids,
		NewCursor:  cur.Max(notified),
		FullResync: true,
	}, nil
}
