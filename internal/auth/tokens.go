package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token is a mailbox's OAuth credential pair as handed out by the token
// service. Refresh is the token service's job, not ours.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenClient fetches provider OAuth tokens for a mailbox from the
// token service.
type TokenClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTokenClient creates a token service client.
func NewTokenClient(authServerURL, apiKey string) *TokenClient {
	return &TokenClient{
		baseURL: authServerURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the mailbox's token for the given provider
// ("gmail" or "outlook").
func (c *TokenClient) GetToken(ctx context.Context, mailboxID, provider string) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/mailboxes/%s/tokens/%s", c.baseURL, mailboxID, provider)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("no %s account connected for %s", provider, mailboxID)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
