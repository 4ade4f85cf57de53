// Package twitch is the HTTP client for the platform's Helix and OAuth
// APIs: token validation/refresh, EventSub subscription management,
// commercials, and channel-points redemption counts.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
)

// ErrDuplicateSubscription is returned when the platform already holds an
// identical EventSub subscription. Non-fatal: the catalogue loop logs and
// moves on.
var ErrDuplicateSubscription = errors.New("duplicate subscription")

// HTTPError is a non-2xx platform response. Callers branch on Status for
// auth (401) and rate-limit (429) handling.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("twitch API returned HTTP %d: %s", e.Status, e.Message)
}

// Config holds the client's credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	HelixURL     string // default https://api.twitch.tv/helix
	OAuthURL     string // default https://id.twitch.tv/oauth2
	Timeout      time.Duration
}

// Client talks to the platform APIs. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	helixURL     string
	oauthURL     string
}

// New creates a platform API client.
func New(cfg Config) *Client {
	helixURL := cfg.HelixURL
	if helixURL == "" {
		helixURL = "https://api.twitch.tv/helix"
	}
	oauthURL := cfg.OAuthURL
	if oauthURL == "" {
		oauthURL = "https://id.twitch.tv/oauth2"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		helixURL:     strings.TrimSuffix(helixURL, "/"),
		oauthURL:     strings.TrimSuffix(oauthURL, "/"),
	}
}

// Validation is the OAuth validate response.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks an access token against the OAuth validate endpoint.
// A revoked or expired token surfaces as an HTTPError with status 401.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oauthURL+"/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	var v Validation
	if err := c.do(req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Refresh exchanges a refresh token for fresh credentials. Implements
// tokens.Refresher.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (tokens.Credentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return tokens.Credentials{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Scope        []string `json:"scope"`
		ExpiresIn    int      `json:"expires_in"`
	}
	if err := c.do(req, &body); err != nil {
		return tokens.Credentials{}, err
	}

	return tokens.Credentials{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Scopes:       body.Scope,
		ExpiresIn:    body.ExpiresIn,
	}, nil
}

// SubscriptionRequest describes one EventSub topic to subscribe.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	SessionID string            `json:"-"`
}

// CreateEventSubSubscription registers one websocket-transport subscription
// on the current EventSub session. A 409 maps to ErrDuplicateSubscription.
func (c *Client) CreateEventSubSubscription(ctx context.Context, accessToken string, sub SubscriptionRequest) error {
	payload := struct {
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
		Transport struct {
			Method    string `json:"method"`
			SessionID string `json:"session_id"`
		} `json:"transport"`
	}{Type: sub.Type, Version: sub.Version, Condition: sub.Condition}
	payload.Transport.Method = "websocket"
	payload.Transport.SessionID = sub.SessionID

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", sub.Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.helixURL+"/eventsub/subscriptions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHelixHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	err = c.do(req, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
		return fmt.Errorf("subscription %s: %w", sub.Type, ErrDuplicateSubscription)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.Type, err)
	}
	return nil
}

// StartCommercial asks the platform to run a commercial of the given length
// (seconds) on the broadcaster's channel.
func (c *Client) StartCommercial(ctx context.Context, accessToken, broadcasterID string, length int) error {
	body, err := json.Marshal(map[string]any{
		"broadcaster_id": broadcasterID,
		"length":         length,
	})
	if err != nil {
		return fmt.Errorf("marshal commercial request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.helixURL+"/channels/commercial", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHelixHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("start commercial: %w", err)
	}
	return nil
}

// GetRedemptionCount counts fulfilled redemptions of one channel-points
// reward, following pagination cursors.
func (c *Client) GetRedemptionCount(ctx context.Context, accessToken, broadcasterID, rewardID string) (int, error) {
	count := 0
	cursor := ""
	for {
		q := url.Values{
			"broadcaster_id": {broadcasterID},
			"reward_id":      {rewardID},
			"status":         {"FULFILLED"},
			"first":          {"50"},
		}
		if cursor != "" {
			q.Set("after", cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.helixURL+"/channel_points/custom_rewards/redemptions?"+q.Encode(), nil)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		c.setHelixHeaders(req, accessToken)

		var body struct {
			Data       []json.RawMessage `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := c.do(req, &body); err != nil {
			return 0, fmt.Errorf("list redemptions: %w", err)
		}

		count += len(body.Data)
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return count, nil
		}
		cursor = body.Pagination.Cursor
	}
}

func (c *Client) setHelixHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)
}

// do executes the request and decodes a 2xx body into out (when non-nil).
// Non-2xx responses become *HTTPError with the platform's message.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// readErrorMessage pulls the human-readable message from a platform error
// body, tolerating both {"message": ...} and {"error": ..., "status": ...}.
func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Status  int    `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	if parsed.Error != "" {
		return parsed.Error + " (" + strconv.Itoa(parsed.Status) + ")"
	}
	return ""
}
