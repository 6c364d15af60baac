package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// WatchStatus is the externally visible state of a mailbox watch.
type WatchStatus struct {
	State       string
	Cursor      Cursor
	Expiration  time.Time
	LastUpdated time.Time
	LastError   string
}

// WatchManager registers, renews, and cancels the provider-side watch.
// Renewal is caller-driven: an external scheduler reads Expiration from
// Status and calls Start again before it lapses.
type WatchManager struct {
	provider Provider
	states   StateStore
	logger   *slog.Logger
}

// NewWatchManager creates a watch lifecycle manager.
func NewWatchManager(provider Provider, states StateStore, logger *slog.Logger) *WatchManager {
	return &WatchManager{provider: provider, states: states, logger: logger}
}

// Start registers interest with the provider. Idempotent: re-invoking
// refreshes expiration and status in the state store. A stored cursor
// is kept in preference to the new watch baseline so the range between
// the last sync and the baseline is still walked on the next
// notification. On *ConfigurationError no state is written.
func (m *WatchManager) Start(ctx context.Context, mailboxID, target string, labelFilter []string) (*WatchInfo, error) {
	wi, err := m.provider.StartWatch(ctx, mailboxID, target, labelFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to register watch for %s: %w", mailboxID, err)
	}

	st := &SyncState{
		MailboxID:  mailboxID,
		Cursor:     wi.Cursor,
		Expiration: wi.Expiration,
		Status:     StatusActive,
	}

	existing, err := m.states.GetSyncState(ctx, mailboxID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load sync state for %s: %w", mailboxID, err)
	}
	if existing != nil && !existing.Cursor.IsZero() {
		st.Cursor = existing.Cursor
	}

	if err := m.states.SaveSyncState(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save sync state for %s: %w", mailboxID, err)
	}

	m.logger.Info("watch registered",
		"mailbox", mailboxID, "cursor", st.Cursor, "expiration", wi.Expiration)

	return &WatchInfo{Cursor: st.Cursor, Expiration: wi.Expiration}, nil
}

// Stop cancels the provider registration. An in-flight sync is allowed
// to finish; notifications arriving afterwards are discarded until
// Start is called again. The last cursor is retained for audit.
func (m *WatchManager) Stop(ctx context.Context, mailboxID string) error {
	if err := m.provider.StopWatch(ctx, mailboxID); err != nil {
		return fmt.Errorf("failed to stop watch for %s: %w", mailboxID, err)
	}

	err := m.states.SetWatchStatus(ctx, mailboxID, StatusStopped)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to mark watch stopped for %s: %w", mailboxID, err)
	}

	m.logger.Info("watch stopped", "mailbox", mailboxID)
	return nil
}

// Status reports the current watch state. EXPIRED is a time comparison
// against the stored expiration, detected here but never enforced.
func (m *WatchManager) Status(ctx context.Context, mailboxID string) (*WatchStatus, error) {
	st, err := m.states.GetSyncState(ctx, mailboxID)
	if errors.Is(err, ErrNotFound) {
		return &WatchStatus{State: StateInactive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state for %s: %w", mailboxID, err)
	}

	ws := &WatchStatus{
		State:       StateActive,
		Cursor:      st.Cursor,
		Expiration:  st.Expiration,
		LastUpdated: st.LastUpdated,
		LastError:   st.LastError,
	}
	switch {
	case st.Status == StatusStopped:
		ws.State = StateStopped
	case !st.Expiration.IsZero() && st.Expiration.Before(time.Now()):
		ws.State = StateExpired
	}
	return ws, nil
}
