package outlook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark(t *testing.T) {
	ts, err := watermark("1755600000")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1755600000, 0), ts)

	_, err = watermark("not-a-number")
	require.Error(t, err)
}

func TestSinceFilterIncludesWatermarkSecond(t *testing.T) {
	since := time.Date(2026, 8, 20, 10, 0, 42, 0, time.UTC)
	// ge keeps messages stamped within the watermark second; gt would
	// drop them until a full resync.
	assert.Equal(t, "receivedDateTime ge 2026-08-20T10:00:42Z", sinceFilter(since))
}

func TestInboxResource(t *testing.T) {
	assert.Equal(t,
		"/users/user@example.com/mailFolders('inbox')/messages",
		inboxResource("user@example.com"))
}
