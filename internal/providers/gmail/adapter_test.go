package gmail

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

func TestSplitAddrs(t *testing.T) {
	assert.Nil(t, splitAddrs(""))
	assert.Equal(t, []string{"a@x.com"}, splitAddrs("a@x.com"))
	assert.Equal(t,
		[]string{"Alice <a@x.com>", "b@y.com"},
		splitAddrs("Alice <a@x.com>, b@y.com"))
	assert.Equal(t, []string{"a@x.com"}, splitAddrs(" a@x.com , "))
}

func TestExtractBodyPrefersTextPlain(t *testing.T) {
	encode := func(s string) string {
		return base64.URLEncoding.EncodeToString([]byte(s))
	}

	payload := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "text/html",
				Body:     &gmailapi.MessagePartBody{Data: encode("<p>hi</p>")},
			},
			{
				MimeType: "multipart/related",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "text/plain",
						Body:     &gmailapi.MessagePartBody{Data: encode("hi there")},
					},
				},
			},
		},
	}

	assert.Equal(t, "hi there", extractBody(payload))
}

func TestExtractBodyFallsBackToTopLevel(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "text/html",
		Body: &gmailapi.MessagePartBody{
			Data: base64.URLEncoding.EncodeToString([]byte("<p>only html</p>")),
		},
	}
	assert.Equal(t, "<p>only html</p>", extractBody(payload))
	assert.Empty(t, extractBody(nil))
}

func TestCollectAttachmentsSkipsInlineParts(t *testing.T) {
	parts := []*gmailapi.MessagePart{
		{
			MimeType: "text/plain",
			Body:     &gmailapi.MessagePartBody{Data: "aGk="},
		},
		{
			Filename: "report.pdf",
			MimeType: "application/pdf",
			Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1", Size: 2048},
		},
		{
			MimeType: "multipart/mixed",
			Parts: []*gmailapi.MessagePart{
				{
					Filename: "notes.txt",
					MimeType: "text/plain",
					Body:     &gmailapi.MessagePartBody{AttachmentId: "att-2", Size: 12},
				},
			},
		},
	}

	var atts []sync.AttachmentMeta
	collectAttachments(parts, &atts)

	require.Len(t, atts, 2)
	assert.Equal(t, "att-1", atts[0].AttachmentID)
	assert.Equal(t, int64(2048), atts[0].SizeBytes)
	assert.Equal(t, "notes.txt", atts[1].Filename)
}

func TestClassify(t *testing.T) {
	rateLimited := classify(&googleapi.Error{Code: http.StatusTooManyRequests})
	assert.True(t, sync.IsTransient(rateLimited))

	serverError := classify(&googleapi.Error{Code: http.StatusBadGateway})
	assert.True(t, sync.IsTransient(serverError))

	forbidden := classify(&googleapi.Error{Code: http.StatusForbidden})
	assert.False(t, sync.IsTransient(forbidden))

	plain := classify(errors.New("boom"))
	assert.False(t, sync.IsTransient(plain))
}
