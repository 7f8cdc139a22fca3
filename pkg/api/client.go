// Package api is the HTTP client for the chat backend: session history, the
// streaming send endpoint, stop, and attachment/media downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

const (
	sessionPath    = "/api/chat/get_session"
	sendPath       = "/api/chat/send"
	stopPath       = "/api/chat/stop"
	attachmentPath = "/api/chat/get_attachment"
	filePath       = "/api/chat/get_file"
)

// TokenSource yields the bearer token. It is consulted on every send so that a
// token refreshed on disk is picked up without restarting.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource with a fixed value.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// StatusError is returned for non-2xx responses and envelopes whose status is
// not "ok".
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend HTTP %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend HTTP %d (%s)", e.Code, e.Status)
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type Project struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Emoji     string `json:"emoji"`
}

type SessionData struct {
	History   []*chat.HistoryMessage `json:"history"`
	IsRunning bool                   `json:"is_running"`
	Project   *Project               `json:"project,omitempty"`
}

// SendRequest is the body of the send endpoint. Message is either a plain
// string or a []*chat.MessagePart.
type SendRequest struct {
	Message          any    `json:"message"`
	SessionID        string `json:"session_id"`
	SelectedProvider string `json:"selected_provider"`
	SelectedModel    string `json:"selected_model"`
	EnableStreaming  bool   `json:"enable_streaming"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

type ClientOption func(*Client)

func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithTimeout sets the timeout for non-streaming calls. The send stream is
// bounded by its context only.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(p string, query url.Values) string {
	u, _ := url.Parse(c.baseURL)
	u.Path = path.Join(strings.TrimRight(u.Path, "/"), p)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// GetSession fetches the stored history of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(sessionPath, url.Values{"session_id": {sessionID}}), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	var out SessionData
	if err := c.doJSON(req, &out); err != nil {
		return nil, errors.Wrapf(err, "get session %s", sessionID)
	}
	return &out, nil
}

// Send posts a user message and returns the raw response stream. The caller
// owns the returned body and must close it. Only the request context bounds
// the stream; the client-wide timeout does not apply.
func (c *Client) Send(ctx context.Context, sr SendRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, errors.Wrap(err, "encode send request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(sendPath, nil), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, errors.Wrap(err, "read auth token")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

// Stop asks the backend to halt generation for a session.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(stopPath, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	if err := c.doJSON(req, nil); err != nil {
		return errors.Wrapf(err, "stop session %s", sessionID)
	}
	return nil
}

// GetAttachment downloads an attachment by id.
func (c *Client) GetAttachment(ctx context.Context, attachmentID string) ([]byte, string, error) {
	data, ct, err := c.download(ctx, c.endpoint(attachmentPath, url.Values{"attachment_id": {attachmentID}}))
	if err != nil {
		return nil, "", errors.Wrapf(err, "get attachment %s", attachmentID)
	}
	return data, ct, nil
}

// GetFile downloads a media file referenced by name in the stream.
func (c *Client) GetFile(ctx context.Context, filename string) ([]byte, string, error) {
	data, ct, err := c.download(ctx, c.endpoint(filePath, url.Values{"filename": {filename}}))
	if err != nil {
		return nil, "", errors.Wrapf(err, "get file %s", filename)
	}
	return data, ct, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token, err := c.tokens.Token(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) download(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(msg))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "read body")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(body))}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Wrap(err, "decode response envelope")
	}
	if env.Status != "" && env.Status != "ok" {
		return &StatusError{Code: resp.StatusCode, Status: env.Status, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, "decode response data")
	}
	return nil
}
