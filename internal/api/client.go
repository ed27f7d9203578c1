// Package api is the client for the coaching platform's REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.ErrTransientNetwork) match any TransientError.
func (e *TransientError) Is(target error) bool { return target == errs.ErrTransientNetwork }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	defaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// TokenSource returns the bearer token of the current session.
type TokenSource func() string

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration

	// Rate and Burst pace outgoing requests. Zero disables pacing.
	Rate  float64
	Burst int
}

// Client talks to the coaching platform REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
	limiter    *rate.Limiter
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If opts.HTTPClient is nil, a client
// with opts.Timeout (default 30s) and a same-host redirect policy is used.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    opts.BaseURL,
		token:      token,
	}

	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return c
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorMessage extracts a human-readable error from a JSON error body.
// The backend uses either {"error": "..."} or {"message": "..."}.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return msg
	}

	return gjson.GetBytes(body, "message").String()
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending %s %s: %w", method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, endpoint, errs.ErrAuthExpired)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, endpoint, errs.ErrNotFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(respBody)
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		err := fmt.Errorf("API %s %s returned status %d: %s", method, endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ListConversations returns every conversation the actor takes part in.
func (c *Client) ListConversations(ctx context.Context, actorID string) ([]models.Conversation, error) {
	var resp []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations?actor="+url.QueryEscape(actorID), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return resp, nil
}

// ListMessages returns the message history of one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var resp []models.Message
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	for i := range resp {
		resp[i].Provenance = models.ProvenanceConfirmed
	}

	return resp, nil
}

// SendMessage creates a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, msg models.OutgoingMessage) (*models.Message, error) {
	var resp models.Message
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if resp.ID == "" {
		return nil, fmt.Errorf("sending message: server returned no id")
	}

	resp.Provenance = models.ProvenanceConfirmed

	return &resp, nil
}

type markConversationReadRequest struct {
	ActorID string `json:"actorId"`
}

// MarkConversationRead marks every message in the conversation read for
// the actor.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, actorID string) error {
	req := markConversationReadRequest{ActorID: actorID}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", req, nil); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}

	return nil
}

// ListNotifications returns the actor's notifications. The push feed is
// the primary source; this is the pull fallback.
func (c *Client) ListNotifications(ctx context.Context, actorID string) ([]models.Notification, error) {
	var resp []models.Notification
	if err := c.do(ctx, http.MethodGet, "/notifications?actor="+url.QueryEscape(actorID), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return resp, nil
}

type markNotificationRequest struct {
	Read bool `json:"read"`
}

// MarkNotificationRead sets read=true on one notification.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id), markNotificationRequest{Read: true}, nil); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	return nil
}

// DeleteNotification removes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}

	return nil
}
