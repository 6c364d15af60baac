// Package gmail implements the sync.Provider contract over the Gmail
// REST API. Cursors are Gmail history IDs.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// Gmail quota units per call, see
// https://developers.google.com/gmail/api/reference/quota
const (
	quotaUnitsPerMessagesGet  = 5
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerWatch        = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	historyPageSize = 100
)

// Adapter implements sync.Provider for Gmail.
type Adapter struct {
	svc     *gmailapi.Service
	limiter *rate.Limiter
}

// New creates a Gmail adapter authenticated with the given token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmailapi.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{
		svc:     svc,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}, nil
}

// StartWatch registers the mailbox with the Pub/Sub topic named by
// target. Gmail watches expire after about seven days; the caller
// re-invokes before expiration.
func (a *Adapter) StartWatch(ctx context.Context, mailboxID, target string, labelFilter []string) (*sync.WatchInfo, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return nil, err
	}

	labels := labelFilter
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}

	resp, err := a.svc.Users.Watch(mailboxID, &gmailapi.WatchRequest{
		TopicName:           target,
		LabelIds:            labels,
		LabelFilterBehavior: "INCLUDE",
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusBadRequest ||
			gerr.Code == http.StatusForbidden || gerr.Code == http.StatusNotFound) {
			return nil, &sync.ConfigurationError{Reason: "watch registration rejected", Err: err}
		}
		return nil, classify(fmt.Errorf("failed to start watch: %w", err))
	}

	return &sync.WatchInfo{
		Cursor:     sync.CursorFromUint64(resp.HistoryId),
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch cancels the mailbox's watch registration.
func (a *Adapter) StopWatch(ctx context.Context, mailboxID string) error {
	if err := a.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return err
	}
	if err := a.svc.Users.Stop(mailboxID).Context(ctx).Do(); err != nil {
		return classify(fmt.Errorf("failed to stop watch: %w", err))
	}
	return nil
}

// ListHistorySince returns one page of messageAdded history after from.
// Gmail answers 404 when the history ID fell out of its retention
// window; that surfaces as ErrStaleCursor.
func (a *Adapter) ListHistorySince(ctx context.Context, mailboxID string, from sync.Cursor, pageToken string) (*sync.HistoryPage, error) {
	startID, err := strconv.ParseUint(from.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor %q is not a Gmail history ID", sync.ErrStaleCursor, from)
	}

	if err := a.limiter.WaitN(ctx, quotaUnitsPerHistoryList); err != nil {
		return nil, err
	}

	call := a.svc.Users.History.List(mailboxID).
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		MaxResults(historyPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: history ID %d expired", sync.ErrStaleCursor, startID)
		}
		return nil, classify(fmt.Errorf("failed to list history: %w", err))
	}

	maxID := startID
	if resp.HistoryId > maxID {
		maxID = resp.HistoryId
	}

	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	for _, h := range resp.History {
		if h.Id > maxID {
			maxID = h.Id
		}
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				page.AddedIDs = append(page.AddedIDs, added.Message.Id)
			}
		}
	}
	page.MaxCursor = sync.CursorFromUint64(maxID)
	return page, nil
}

// ListRecent returns the newest max message IDs and the mailbox's
// current history ID, for bounded stale-cursor recovery.
func (a *Adapter) ListRecent(ctx context.Context, mailboxID string, max int64) ([]string, sync.Cursor, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, "", err
	}

	resp, err := a.svc.Users.Messages.List(mailboxID).
		MaxResults(max).
		IncludeSpamTrash(false).
		Context(ctx).Do()
	if err != nil {
		return nil, "", classify(fmt.Errorf("failed to list recent messages: %w", err))
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	if err := a.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, "", err
	}
	profile, err := a.svc.Users.GetProfile(mailboxID).Context(ctx).Do()
	if err != nil {
		return nil, "", classify(fmt.Errorf("failed to get profile: %w", err))
	}

	return ids, sync.CursorFromUint64(profile.HistoryId), nil
}

// GetMessage fetches full message detail.
func (a *Adapter) GetMessage(ctx context.Context, mailboxID, id string) (*sync.MessageDetail, error) {
	msg, err := a.getFull(ctx, mailboxID, id)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if msg.Payload != nil {
		for _, kv := range msg.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	recipients := splitAddrs(headers["To"])
	recipients = append(recipients, splitAddrs(headers["Cc"])...)

	return &sync.MessageDetail{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		Sender:     headers["From"],
		Recipients: recipients,
		Subject:    headers["Subject"],
		Body:       extractBody(msg.Payload),
		ReceivedAt: time.UnixMilli(msg.InternalDate),
		Headers:    headers,
	}, nil
}

// ListAttachments returns attachment metadata; content is never pulled.
func (a *Adapter) ListAttachments(ctx context.Context, mailboxID, id string) ([]sync.AttachmentMeta, error) {
	msg, err := a.getFull(ctx, mailboxID, id)
	if err != nil {
		return nil, err
	}

	var atts []sync.AttachmentMeta
	if msg.Payload != nil {
		collectAttachments(msg.Payload.Parts, &atts)
	}
	return atts, nil
}

func (a *Adapter) getFull(ctx context.Context, mailboxID, id string) (*gmailapi.Message, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsPerMessagesGet); err != nil {
		return nil, err
	}

	msg, err := a.svc.Users.Messages.Get(mailboxID, id).
		Format("full").
		Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", sync.ErrMessageNotFound, id)
		}
		return nil, classify(fmt.Errorf("failed to get message %s: %w", id, err))
	}
	return msg, nil
}

// extractBody returns the first text/plain part, falling back to the
// top-level body data.
func extractBody(payload *gmailapi.MessagePart) string {
	if payload == nil {
		return ""
	}
	if body := findTextPart(payload); body != "" {
		return body
	}
	if payload.Body != nil && payload.Body.Data != "" {
		return decodeBody(payload.Body.Data)
	}
	return ""
}

func findTextPart(part *gmailapi.MessagePart) string {
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	for _, p := range part.Parts {
		if body := findTextPart(p); body != "" {
			return body
		}
	}
	return ""
}

func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func collectAttachments(parts []*gmailapi.MessagePart, out *[]sync.AttachmentMeta) {
	for _, part := range parts {
		if part.Filename != "" && part.Body != nil {
			*out = append(*out, sync.AttachmentMeta{
				AttachmentID: part.Body.AttachmentId,
				Filename:     part.Filename,
				MimeType:     part.MimeType,
				SizeBytes:    part.Body.Size,
			})
		}
		collectAttachments(part.Parts, out)
	}
}

// splitAddrs parses comma-separated email addresses, order preserved.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// classify wraps rate-limit, server-side, and network-timeout failures
// as transient so the sync layer retries them with backoff.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return &sync.TransientError{Err: err}
		}
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &sync.TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &sync.TransientError{Err: err}
	}
	return err
}
