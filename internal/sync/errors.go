package sync

import (
	"errors"
	"fmt"
)

// ConfigurationError is a fatal watch-registration failure (bad topic,
// missing permission, billing). No state is written when start() fails
// this way; the caller has to fix the setup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a *ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// SyncFailure is a sync cycle that exhausted its retry budget. The
// cursor was not advanced; the next notification retries the range.
type SyncFailure struct {
	MailboxID string
	Err       error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync failed for mailbox %s: %v", e.MailboxID, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// PartialIngestError reports a batch where some messages could not be
// fetched. Persisted IDs are already durable; the cursor stays at the
// pre-batch value so the failed IDs are re-attempted.
type PartialIngestError struct {
	Persisted []string
	Failed    []string
}

func (e *PartialIngestError) Error() string {
	return fmt.Sprintf("ingested %d of %d messages; failed: %v",
		len(e.Persisted), len(e.Persisted)+len(e.Failed), e.Failed)
}
