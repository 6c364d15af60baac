package sync

import (
	"context"
	"io"
	"log/slog"
	gosync "sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider lets each test script provider behavior per call.
type fakeProvider struct {
	startWatchFn  func(ctx context.Context, mailboxID, target string, labelFilter []string) (*WatchInfo, error)
	stopWatchFn   func(ctx context.Context, mailboxID string) error
	listHistoryFn func(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error)
	listRecentFn  func(ctx context.Context, mailboxID string, max int64) ([]string, Cursor, error)
	getMessageFn  func(ctx context.Context, mailboxID, id string) (*MessageDetail, error)
	listAttsFn    func(ctx context.Context, mailboxID, id string) ([]AttachmentMeta, error)
}

func (f *fakeProvider) StartWatch(ctx context.Context, mailboxID, target string, labelFilter []string) (*WatchInfo, error) {
	if f.startWatchFn == nil {
		return &WatchInfo{Cursor: "1000", Expiration: time.Now().Add(time.Hour)}, nil
	}
	return f.startWatchFn(ctx, mailboxID, target, labelFilter)
}

func (f *fakeProvider) StopWatch(ctx context.Context, mailboxID string) error {
	if f.stopWatchFn == nil {
		return nil
	}
	return f.stopWatchFn(ctx, mailboxID)
}

func (f *fakeProvider) ListHistorySince(ctx context.Context, mailboxID string, from Cursor, pageToken string) (*HistoryPage, error) {
	return f.listHistoryFn(ctx, mailboxID, from, pageToken)
}

func (f *fakeProvider) ListRecent(ctx context.Context, mailboxID string, max int64) ([]string, Cursor, error) {
	return f.listRecentFn(ctx, mailboxID, max)
}

func (f *fakeProvider) GetMessage(ctx context.Context, mailboxID, id string) (*MessageDetail, error) {
	if f.getMessageFn == nil {
		return &MessageDetail{ID: id, Subject: "subject " + id, ReceivedAt: time.Now()}, nil
	}
	return f.getMessageFn(ctx, mailboxID, id)
}

func (f *fakeProvider) ListAttachments(ctx context.Context, mailboxID, id string) ([]AttachmentMeta, error) {
	if f.listAttsFn == nil {
		return nil, nil
	}
	return f.listAttsFn(ctx, mailboxID, id)
}

// memStateStore is an in-memory StateStore with the same monotonic
// cursor discipline as the sqlite store.
type memStateStore struct {
	mu     gosync.Mutex
	states map[string]*SyncState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*SyncState)}
}

func (m *memStateStore) GetSyncState(ctx context.Context, mailboxID string) (*SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[mailboxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memStateStore) SaveSyncState(ctx context.Context, st *SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	if existing, ok := m.states[st.MailboxID]; ok {
		cp.Cursor = existing.Cursor.Max(cp.Cursor)
	}
	cp.LastUpdated = time.Now()
	m.states[st.MailboxID] = &cp
	return nil
}

func (m *memStateStore) AdvanceCursor(ctx context.Context, mailboxID string, cur Cursor) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[mailboxID]
	if !ok {
		return "", ErrNotFound
	}
	if !st.Cursor.Before(cur) {
		return st.Cursor, nil
	}
	st.Cursor = cur
	st.LastError = ""
	st.LastUpdated = time.Now()
	return cur, nil
}

func (m *memStateStore) SetWatchStatus(ctx context.Context, mailboxID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[mailboxID]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	return nil
}

func (m *memStateStore) RecordSyncError(ctx context.Context, mailboxID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[mailboxID]; ok {
		st.LastError = errMsg
	}
	return nil
}

func (m *memStateStore) cursor(mailboxID string) Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[mailboxID]; ok {
		return st.Cursor
	}
	return ""
}

// memMessageStore records upserts in memory.
type memMessageStore struct {
	mu       gosync.Mutex
	messages map[string]*Message
	atts     map[string][]AttachmentRef
	events   []*OutboxEvent
	upserts  int

	failIDs map[string]error
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{
		messages: make(map[string]*Message),
		atts:     make(map[string][]AttachmentRef),
		failIDs:  make(map[string]error),
	}
}

func (m *memMessageStore) UpsertMessage(ctx context.Context, msg *Message, atts []AttachmentRef, event *OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if err, ok := m.failIDs[msg.ID]; ok {
		return false, err
	}
	if _, exists := m.messages[msg.ID]; exists {
		return false, nil
	}
	m.messages[msg.ID] = msg
	m.atts[msg.ID] = atts
	if event != nil {
		m.events = append(m.events, event)
	}
	return true, nil
}

func (m *memMessageStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
