// Package bridge is the HTTP client for the backend session bridge, the
// external collaborator that issues sign-in challenges and mints session
// tokens from signed tickets.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
)

// Client talks to the session bridge. Verify consumes a single-use nonce,
// so the client never retries on its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds bridge client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a bridge client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bridge base URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Challenge is a server-issued single-use sign-in challenge.
type Challenge struct {
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"issuedAt"`
}

// Ticket is a signed challenge presented for verification. Consumed
// exactly once; never persisted beyond the exchange.
type Ticket struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

// RequestChallenge asks the bridge for a single-use nonce for address.
func (c *Client) RequestChallenge(ctx context.Context, address string) (Challenge, error) {
	var challenge Challenge
	err := c.post(ctx, "/auth/challenge", map[string]string{"address": address}, &challenge)
	if err != nil {
		return Challenge{}, err
	}
	if challenge.Nonce == "" {
		return Challenge{}, errclass.New(errclass.SessionRejected, "session rejected: bridge returned empty nonce")
	}
	return challenge, nil
}

// Verify submits a ticket and returns the minted session token.
func (c *Client) Verify(ctx context.Context, ticket Ticket) (string, error) {
	var out struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := c.post(ctx, "/auth/verify", ticket, &out); err != nil {
		return "", err
	}
	if out.SessionToken == "" {
		return "", errclass.New(errclass.SessionRejected, "session rejected: bridge returned empty token")
	}
	return out.SessionToken, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errclass.Wrap(errclass.NetworkError, fmt.Errorf("network error: %s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errclass.Wrap(errclass.NetworkError, fmt.Errorf("network error reading %s response: %w", path, err))
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}

// statusError maps bridge rejections onto the failure taxonomy. Conflict
// and Gone mark a consumed or expired nonce; Unauthorized marks a
// declined ticket.
func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusConflict, http.StatusGone:
		return errclass.Newf(errclass.ChallengeExpired, "challenge expired: %s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errclass.Newf(errclass.SessionRejected, "session rejected: %s", msg)
	case http.StatusTooManyRequests:
		return errclass.Newf(errclass.NetworkError, "network error: bridge throttled: %s", msg)
	default:
		if status >= 500 {
			return errclass.Newf(errclass.NetworkError, "network error: bridge %d: %s", status, msg)
		}
		return errclass.Newf(errclass.SessionRejected, "session rejected: bridge %d: %s", status, msg)
	}
}
