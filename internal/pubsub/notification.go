// Package pubsub decodes Cloud Pub/Sub push envelopes carrying Gmail
// mailbox-change notifications into a typed Notification. Decoding is
// strict: anything malformed becomes a *ValidationError and no state
// changes; the broker retries per its own policy.
package pubsub

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// ValidationError is a malformed or unrecognized push payload. Maps to
// a 4xx response so the broker eventually stops redelivering it.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid notification: %s: %v", e.Reason, e.Err)
	}
	return "invalid notification: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// envelope is the Pub/Sub push wrapper.
type envelope struct {
	Message struct {
		Data        string    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// payload is the Gmail notification inside message.data. historyId
// arrives as a JSON number in practice but strings occur too.
type payload struct {
	EmailAddress string     `json:"emailAddress"`
	HistoryID    flexNumber `json:"historyId"`
}

// flexNumber unmarshals from either a JSON number or a JSON string.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = flexNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = flexNumber(num.String())
	return nil
}

// Decode parses a raw push body into a Notification.
func Decode(body []byte) (*sync.Notification, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ValidationError{Reason: "body is not valid JSON", Err: err}
	}
	if env.Message.Data == "" {
		return nil, &ValidationError{Reason: "no data field in message"}
	}

	decoded, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, &ValidationError{Reason: "data is not valid base64", Err: err}
	}

	var p payload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return nil, &ValidationError{Reason: "data is not a valid notification payload", Err: err}
	}
	return notificationFromPayload(p.EmailAddress, p.HistoryID, env.Message.MessageID, env.Message.PublishTime)
}

// DecodeBare parses an unwrapped {emailAddress, historyId} body, as
// accepted by the manual trigger endpoint.
func DecodeBare(body []byte) (*sync.Notification, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ValidationError{Reason: "body is not a valid notification payload", Err: err}
	}
	return notificationFromPayload(p.EmailAddress, p.HistoryID, "", time.Time{})
}

func notificationFromPayload(mailboxID string, historyID flexNumber, messageID string, publishTime time.Time) (*sync.Notification, error) {
	if mailboxID == "" {
		return nil, &ValidationError{Reason: "missing emailAddress"}
	}
	if historyID == "" {
		return nil, &ValidationError{Reason: "missing historyId"}
	}
	return &sync.Notification{
		MailboxID:   mailboxID,
		Cursor:      sync.Cursor(historyID),
		MessageID:   messageID,
		PublishTime: publishTime,
	}, nil
}

// decodeBase64 accepts both standard and URL-safe alphabets, padded or
// not; brokers are not consistent about which they emit.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("unrecognized base64 encoding")
}
