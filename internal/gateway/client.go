// Package gateway is the typed client for the session-control HTTP
// surface. It owns request/response encoding and the error taxonomy;
// callers deal only in typed results and typed errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/podlabs/podctl/internal/retry"
)

// Config holds the endpoints and collaborators for a Client. A Client is
// always constructed explicitly; there is no package-level default.
type Config struct {
	// BaseURL is the session-control HTTP surface.
	BaseURL string
	// StreamURL is the websocket endpoint for terminal streams.
	StreamURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Dispatcher de-duplicates and retries the read-only calls
	// (status, list, health). Mutating calls never go through it.
	Dispatcher *retry.Dispatcher
	Logger     *slog.Logger
}

// Client talks to the remote session-control service.
type Client struct {
	baseURL    string
	streamURL  string
	httpClient *http.Client
	dispatcher *retry.Dispatcher
	logger     *slog.Logger

	// mu guards the snapshots below. The dispatcher may complete a
	// retried fetch on a background goroutine, so results are published
	// here and read back rather than written into caller-local state.
	mu         sync.Mutex
	lastList   *SessionList
	lastHealth *HealthStatus
	lastStatus map[string]*StatusSnapshot
}

// NewClient creates a session gateway client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = retry.NewDispatcher(retry.WithLogger(logger))
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		streamURL:  cfg.StreamURL,
		httpClient: httpClient,
		dispatcher: dispatcher,
		logger:     logger,
		lastStatus: make(map[string]*StatusSnapshot),
	}
}

// CreateResponse is the result of a session create call. The session is
// not necessarily ready yet; callers poll readiness separately.
type CreateResponse struct {
	SessionID string `json:"sessionId"`
	PodName   string `json:"podName"`
	Status    string `json:"status"`
}

// StatusSnapshot is one observation of session state.
type StatusSnapshot struct {
	SessionID   string  `json:"sessionId"`
	PodName     string  `json:"podName"`
	Status      string  `json:"status"`
	Ready       bool    `json:"ready"`
	CurrentFile string  `json:"currentFile"`
	Uptime      float64 `json:"uptime"`
}

// OperationResult is the server's answer to a mutating session call.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Command string `json:"command,omitempty"`
}

// SessionList is the admin view of all live sessions.
type SessionList struct {
	Sessions []StatusSnapshot `json:"sessions"`
	Count    int              `json:"count"`
}

// HealthStatus is the service-level health report.
type HealthStatus struct {
	Status            string `json:"status"`
	ActiveSessions    int    `json:"activeSessions"`
	ActiveConnections int    `json:"activeConnections"`
	Timestamp         string `json:"timestamp"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateSession asks the server to provision a sandbox session. The
// returned session is not ready yet; use WaitForSessionReady.
func (c *Client) CreateSession(ctx context.Context) (*CreateResponse, error) {
	var out CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/create", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSessionStatus fetches the current state of a session.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*StatusSnapshot, error) {
	var out StatusSnapshot
	path := "/api/session/" + url.PathEscape(sessionID) + "/status"
	err := c.do(ctx, http.MethodGet, path, nil, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return &NotFoundError{SessionID: sessionID}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &TransportError{Op: "session status", StatusCode: resp.StatusCode}
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionStatus fetches a session's status through the dispatcher,
// de-duplicating overlapping reads on the same session, with the same
// snapshot semantics as ListSessions: the returned snapshot may be
// stale or nil while a fetch is in flight or rescheduled. Callers that
// need a typed error per call (the readiness poll, reconnect probes)
// use GetSessionStatus instead.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*StatusSnapshot, error) {
	err := c.dispatcher.Do(ctx, "session-status:"+sessionID, func(ctx context.Context) error {
		snapshot, err := c.GetSessionStatus(ctx, sessionID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastStatus[sessionID] = snapshot
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus[sessionID], nil
}

// SaveFile writes a file into the sandbox filesystem.
func (c *Client) SaveFile(ctx context.Context, sessionID, filename, content string) (*OperationResult, error) {
	body := map[string]string{"filename": filename, "content": content}
	return c.doOperation(ctx, "save file", http.MethodPost,
		"/api/session/"+url.PathEscape(sessionID)+"/file", body)
}

// RunFile executes a previously saved file inside the sandbox.
func (c *Client) RunFile(ctx context.Context, sessionID, filename string) (*OperationResult, error) {
	body := map[string]string{"filename": filename}
	return c.doOperation(ctx, "run file", http.MethodPost,
		"/api/session/"+url.PathEscape(sessionID)+"/run", body)
}

// SendCommand runs a shell command inside the sandbox via HTTP rather
// than the terminal stream.
func (c *Client) SendCommand(ctx context.Context, sessionID, command string) (*OperationResult, error) {
	body := map[string]string{"command": command}
	return c.doOperation(ctx, "send command", http.MethodPost,
		"/api/session/"+url.PathEscape(sessionID)+"/command", body)
}

// DeleteSession tears down the remote sandbox.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (*OperationResult, error) {
	return c.doOperation(ctx, "delete session", http.MethodDelete,
		"/api/session/"+url.PathEscape(sessionID), nil)
}

// ListSessions returns all live sessions. The fetch is de-duplicated
// and retried through the dispatcher; when a concurrent fetch is
// already in flight, or a failed attempt was rescheduled, the last
// published snapshot is returned and may be stale or nil.
func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	err := c.dispatcher.Do(ctx, "sessions-list", func(ctx context.Context) error {
		var out SessionList
		if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
			return err
		}
		c.mu.Lock()
		c.lastList = &out
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastList, nil
}

// Health fetches the service health report, with the same dispatcher
// snapshot semantics as ListSessions.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	err := c.dispatcher.Do(ctx, "health", func(ctx context.Context) error {
		var out HealthStatus
		if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
			return err
		}
		c.mu.Lock()
		c.lastHealth = &out
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHealth, nil
}

// PollOptions tunes the readiness loop.
type PollOptions struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPollOptions matches the server's worst-case cold-start window.
func DefaultPollOptions() PollOptions {
	return PollOptions{MaxAttempts: 30, Interval: 2 * time.Second}
}

// WaitForSessionReady polls session status until it reports ready. A
// transient fetch error does not abort the loop unless it happens on the
// final attempt. After MaxAttempts unsuccessful polls the call fails
// with *SessionTimeoutError. Cancelling ctx aborts the wait between
// polls.
func (c *Client) WaitForSessionReady(ctx context.Context, sessionID string, opts PollOptions) (*StatusSnapshot, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultPollOptions().MaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions().Interval
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		snapshot, err := c.GetSessionStatus(ctx, sessionID)
		if err != nil {
			if attempt == opts.MaxAttempts {
				return nil, fmt.Errorf("final status poll: %w", err)
			}
			c.logger.Debug("status poll failed, continuing",
				"session_id", sessionID, "attempt", attempt, "error", err)
		} else if snapshot.Ready {
			return snapshot, nil
		}

		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(opts.Interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &SessionTimeoutError{
		SessionID: sessionID,
		Attempts:  opts.MaxAttempts,
		Interval:  opts.Interval,
	}
}

// StreamEndpoint returns the websocket URL for a session's terminal
// stream.
func (c *Client) StreamEndpoint(sessionID string) string {
	return c.streamURL + "?sessionId=" + url.QueryEscape(sessionID)
}

// doOperation handles the mutating calls that answer with
// {success, message, ...}. A failure payload becomes a
// *RemoteOperationError carrying the server's message when present.
func (c *Client) doOperation(ctx context.Context, op, method, path string, body interface{}) (*OperationResult, error) {
	var out OperationResult
	err := c.do(ctx, method, path, body, func(resp *http.Response) error {
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &TransportError{Op: op, Err: readErr}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var eb errorBody
			if jsonErr := json.Unmarshal(data, &eb); jsonErr == nil {
				if eb.Error != "" {
					return &RemoteOperationError{Op: op, Message: eb.Error}
				}
				if eb.Message != "" {
					return &RemoteOperationError{Op: op, Message: eb.Message}
				}
			}
			return &RemoteOperationError{
				Op:      op,
				Message: fmt.Sprintf("server returned status %d", resp.StatusCode),
			}
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON issues a request and decodes a 2xx JSON body into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	return c.do(ctx, method, path, body, func(resp *http.Response) error {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &TransportError{Op: method + " " + path, StatusCode: resp.StatusCode}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, handle func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	return handle(resp)
}
