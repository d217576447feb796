package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 15 * time.Second
	tokenPath      = "/api/firebase-token"
	errorBodyLimit = 4096
)

var (
	ErrEndpointMissing = errors.New("backend: base url not configured")
	ErrNoSession       = errors.New("backend: no marketplace session token")
	ErrEmptyChatToken  = errors.New("backend: response carried no chat token")
)

// Error is a non-2xx answer from the marketplace backend.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// SessionFunc returns the marketplace bearer token of the signed-in user.
type SessionFunc func(ctx context.Context) (string, error)

// StaticSession always returns token.
func StaticSession(token string) SessionFunc {
	return func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", ErrNoSession
		}
		return token, nil
	}
}

// Client talks to the marketplace REST backend. It implements
// credentials.TokenSource.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Session SessionFunc
	Timeout time.Duration
	Logger  *slog.Logger
}

type chatTokenResponse struct {
	FirebaseToken string `json:"firebase_token"`
}

// FetchChatToken asks the backend for a custom token bound to the session user.
func (c *Client) FetchChatToken(ctx context.Context) (string, error) {
	var resp chatTokenResponse
	if err := c.post(ctx, tokenPath, nil, &resp); err != nil {
		c.logError("chat token request failed", err)
		return "", err
	}
	token := strings.TrimSpace(resp.FirebaseToken)
	if token == "" {
		return "", ErrEmptyChatToken
	}
	return token, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return ErrEndpointMissing
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Session != nil {
		token, err := c.Session(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &Error{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

// errorMessage prefers the detail, message or error field of a JSON body,
// then the raw text, then the HTTP status line.
func errorMessage(body []byte, status string) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return status
}

func (c *Client) logError(msg string, err error) {
	if c.Logger != nil {
		c.Logger.Warn(msg, "error", err)
	}
}
