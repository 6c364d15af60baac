package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngester(p Provider, messages MessageStore) *Ingester {
	return NewIngester(p, messages, testLogger(), IngesterConfig{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
}

func TestIngestPersistsBatch(t *testing.T) {
	messages := newMemMessageStore()
	provider := &fakeProvider{
		getMessageFn: func(ctx context.Context, mailboxID, id string) (*MessageDetail, error) {
			return &MessageDetail{
				ID:         id,
				ThreadID:   "t-" + id,
				Sender:     "alice@example.com",
				Recipients: []string{"bob@example.com"},
				Subject:    "hello",
				Body:       "body",
				ReceivedAt: time.Now(),
			}, nil
		},
		listAttsFn: func(ctx context.Context, mailboxID, id string) ([]AttachmentMeta, error) {
			return []AttachmentMeta{
				{AttachmentID: "a1", Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 1024},
			}, nil
		},
	}

	res := newTestIngester(provider, messages).Ingest(context.Background(), testMailbox, []string{"m1", "m2"})

	assert.Equal(t, []string{"m1", "m2"}, res.Persisted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, messages.count())
	require.Len(t, messages.atts["m1"], 1)
	assert.Equal(t, "report.pdf", messages.atts["m1"][0].Filename)
	require.Len(t, messages.events, 2)
	assert.Equal(t, "message.ingested", messages.events[0].EventType)
	assert.Equal(t, "mail.user_example_com.message.ingested", messages.events[0].Subject)
}

func TestIngestIsIdempotent(t *testing.T) {
	messages := newMemMessageStore()
	ing := newTestIngester(&fakeProvider{}, messages)

	res1 := ing.Ingest(context.Background(), testMailbox, []string{"m1"})
	res2 := ing.Ingest(context.Background(), testMailbox, []string{"m1"})

	// The duplicate still counts as persisted, but only one row and one
	// outbox event exist.
	assert.Equal(t, []string{"m1"}, res1.Persisted)
	assert.Equal(t, []string{"m1"}, res2.Persisted)
	assert.Equal(t, 1, messages.count())
	assert.Len(t, messages.events, 1)
}

func TestIngestPartialFailure(t *testing.T) {
	messages := newMemMessageStore()
	provider := &fakeProvider{
		getMessageFn: func(ctx context.Context, mailboxID, id string) (*MessageDetail, error) {
			if id == "m2" {
				return nil, errors.New("backend exploded")
			}
			return &MessageDetail{ID: id, ReceivedAt: time.Now()}, nil
		},
	}

	res := newTestIngester(provider, messages).Ingest(context.Background(), testMailbox, []string{"m1", "m2", "m3"})

	// One failure does not abort the rest of the batch.
	assert.Equal(t, []string{"m1", "m3"}, res.Persisted)
	assert.Equal(t, []string{"m2"}, res.Failed)
	assert.Equal(t, 2, messages.count())
}

func TestIngestSkipsVanishedMessages(t *testing.T) {
	messages := newMemMessageStore()
	provider := &fakeProvider{
		getMessageFn: func(ctx context.Context, mailboxID, id string) (*MessageDetail, error) {
			if id == "gone" {
				return nil, fmt.Errorf("%w: gone", ErrMessageNotFound)
			}
			return &MessageDetail{ID: id, ReceivedAt: time.Now()}, nil
		},
	}

	res := newTestIngester(provider, messages).Ingest(context.Background(), testMailbox, []string{"m1", "gone"})

	// A vanished message is neither persisted nor failed; waiting for it
	// would wedge the mailbox.
	assert.Equal(t, []string{"m1"}, res.Persisted)
	assert.Empty(t, res.Failed)
}

func TestIsReply(t *testing.T) {
	tests := []struct {
		name   string
		detail MessageDetail
		want   bool
	}{
		{
			name:   "in-reply-to header",
			detail: MessageDetail{Headers: map[string]string{"In-Reply-To": "<abc@x>"}},
			want:   true,
		},
		{
			name:   "references header mixed case",
			detail: MessageDetail{Headers: map[string]string{"references": "<abc@x>"}},
			want:   true,
		},
		{
			name:   "re: subject prefix",
			detail: MessageDetail{Subject: "Re: quarterly numbers"},
			want:   true,
		},
		{
			name:   "re: with leading whitespace",
			detail: MessageDetail{Subject: "  RE: ping"},
			want:   true,
		},
		{
			name:   "plain message",
			detail: MessageDetail{Subject: "quarterly numbers"},
			want:   false,
		},
		{
			name:   "re inside subject does not count",
			detail: MessageDetail{Subject: "more: quarterly numbers"},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isReply(&tt.detail))
		})
	}
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "user_example_com", subjectToken("user@example.com"))
	assert.Equal(t, "plain-id_", subjectToken("plain-id*"))
	assert.Equal(t, "a_b", subjectToken("a.b"))
}
