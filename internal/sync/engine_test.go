package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(states StateStore, p Provider, messages MessageStore, cfg EngineConfig) *Engine {
	fetcher := NewDeltaFetcher(p, states, testLogger(), DeltaFetcherConfig{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
	ingester := NewIngester(p, messages, testLogger(), IngesterConfig{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
	return NewEngine(states, fetcher, ingester, testLogger(), cfg)
}

func TestNotifyInactiveMailbox(t *testing.T) {
	states := newMemStateStore()
	engine := newTestEngine(states, &fakeProvider{}, newMemMessageStore(), EngineConfig{})

	// Unknown mailbox.
	outcome, err := engine.Notify(context.Background(), &Notification{MailboxID: testMailbox, Cursor: "100"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, outcome)

	// Stopped mailbox.
	_ = states.SaveSyncState(context.Background(), &SyncState{
		MailboxID: testMailbox, Cursor: "50", Status: StatusStopped,
	})
	outcome, err = engine.Notify(context.Background(), &Notification{MailboxID: testMailbox, Cursor: "100"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, outcome)
}

func TestNotifyDuplicateMakesNoProviderCalls(t *testing.T) {
	states := newMemStateStore()
	activeState(states, "200")

	provider := &fakeProvider{
		listHistoryFn: func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
			t.Fatal("duplicate notifications must not reach the provider")
			return nil, nil
		},
	}
	engine := newTestEngine(states, provider, newMemMessageStore(), EngineConfig{})

	outcome, err := engine.Notify(context.Background(), &Notification{MailboxID: testMailbox, Cursor: "150"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// Equal cursor is a duplicate too.
	outcome, err = engine.Notify(context.Background(), &Notification{MailboxID: testMailbox, Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestEngineRunsCycleAndAdvancesCursor(t *testing.T) {
	states := newMemStateStore()
	activeState(states, "100")
	messages := newMemMessageStore()

	provider := &fakeProvider{
		listHistoryFn: func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
			return &HistoryPage{AddedIDs: []string{"m1"}, MaxCursor: "200"}, nil
		},
	}
	engine := newTestEngine(states, provider, messages, EngineConfig{Workers: 2, QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	outcome, err := engine.Notify(ctx, &Notification{MailboxID: testMailbox, Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	require.Eventually(t, func() bool {
		return states.cursor(testMailbox) == "200"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, messages.count())
}

func TestEngineCoalescesConcurrentNotifications(t *testing.T) {
	states := newMemStateStore()
	activeState(states, "100")
	messages := newMemMessageStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	provider := &fakeProvider{
		listHistoryFn: func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(entered)
				<-release
				return &HistoryPage{AddedIDs: []string{"m1"}, MaxCursor: "200"}, nil
			}
			return &HistoryPage{AddedIDs: []string{"m2"}, MaxCursor: "300"}, nil
		},
	}
	engine := newTestEngine(states, provider, messages, EngineConfig{Workers: 4, QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	outcome, err := engine.Notify(ctx, &Notification{MailboxID: testMailbox, Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	<-entered

	// While the first cycle is in flight, further notifications coalesce
	// into a single follow-up carrying the highest cursor.
	outcome, err = engine.Notify(ctx, &Notification{MailboxID: testMailbox, Cursor: "300"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, outcome)

	outcome, err = engine.Notify(ctx, &Notification{MailboxID: testMailbox, Cursor: "250"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, outcome)

	close(release)

	require.Eventually(t, func() bool {
		return states.cursor(testMailbox) == "300"
	}, 2*time.Second, 5*time.Millisecond)

	// One in-flight cycle plus exactly one follow-up.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, messages.count())
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	states := newMemStateStore()
	activeState(states, "100")
	_ = states.SaveSyncState(context.Background(), &SyncState{
		MailboxID: "other@example.com", Cursor: "100", Status: StatusActive,
	})

	// No workers running, so the first job wedges the queue.
	engine := newTestEngine(states, &fakeProvider{}, newMemMessageStore(), EngineConfig{Workers: 1, QueueSize: 1})

	outcome, err := engine.Notify(context.Background(), &Notification{MailboxID: testMailbox, Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	outcome, err = engine.Notify(context.Background(), &Notification{MailboxID: "other@example.com", Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)

	// The dropped mailbox is not marked running, so redelivery is not
	// mistaken for an in-flight cycle.
	outcome, err = engine.Notify(context.Background(), &Notification{MailboxID: "other@example.com", Cursor: "200"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
}

func TestSyncOnceDiscardsWhenWatchStopped(t *testing.T) {
	states := newMemStateStore()
	_ = states.SaveSyncState(context.Background(), &SyncState{
		MailboxID: testMailbox, Cursor: "100", Status: StatusStopped,
	})

	provider := &fakeProvider{
		listHistoryFn: func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
			t.Fatal("stopped mailbox must not reach the provider")
			return nil, nil
		},
	}
	engine := newTestEngine(states, provider, newMemMessageStore(), EngineConfig{})

	// stop() landed between enqueue and execution.
	require.NoError(t, engine.syncOnce(context.Background(), testMailbox, "200"))
	assert.Equal(t, Cursor("100"), states.cursor(testMailbox))
}

func TestSyncOnceHoldsCursorOnPartialIngest(t *testing.T) {
	states := newMemStateStore()
	activeState(states, "100")
	messages := newMemMessageStore()
	messages.failIDs["m2"] = assert.AnError

	provider := &fakeProvider{
		listHistoryFn: func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
			return &HistoryPage{AddedIDs: []string{"m1", "m2"}, MaxCursor: "200"}, nil
		},
	}
	engine := newTestEngine(states, provider, messages, EngineConfig{})

	err := engine.syncOnce(context.Background(), testMailbox, "200")
	require.Error(t, err)

	var pie *PartialIngestError
	require.ErrorAs(t, err, &pie)
	assert.Equal(t, []string{"m1"}, pie.Persisted)
	assert.Equal(t, []string{"m2"}, pie.Failed)

	// m1 is durable, but the cursor must stay put so m2 is retried.
	assert.Equal(t, Cursor("100"), states.cursor(testMailbox))
	assert.Equal(t, 1, messages.count())
}
