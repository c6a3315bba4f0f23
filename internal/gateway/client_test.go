package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, StreamURL: "ws://stream.local/ws/terminal"})
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/session/create", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sessionId": "sess-1",
			"podName":   "pod-sess-1",
			"status":    "creating",
		})
	}))

	resp, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "pod-sess-1", resp.PodName)
	assert.Equal(t, "creating", resp.Status)
}

func TestGetSessionStatusNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
	}))

	_, err := c.GetSessionStatus(context.Background(), "missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.SessionID)
}

func TestSessionStatusPublishesSnapshot(t *testing.T) {
	var fetches atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessionId": "sess-1",
			"status":    "ready",
			"ready":     true,
		})
	}))

	snapshot, err := c.SessionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.Ready)
	assert.EqualValues(t, 1, fetches.Load())
}

func TestSessionStatusDeduplicatesOverlappingReads(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		started <- struct{}{}
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessionId": "sess-1",
			"ready":     true,
		})
	}))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = c.SessionStatus(context.Background(), "sess-1")
	}()
	<-started

	// Overlapping read on the same session: no second fetch, and no
	// published snapshot yet.
	snapshot, err := c.SessionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	assert.EqualValues(t, 1, fetches.Load())

	close(release)
	<-firstDone
	snapshot, err = c.SessionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.EqualValues(t, 2, fetches.Load())
}

func TestSaveFileRemoteError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "disk full"})
	}))

	_, err := c.SaveFile(context.Background(), "sess-1", "main.py", "print(1)")
	var roe *RemoteOperationError
	require.ErrorAs(t, err, &roe)
	assert.Equal(t, "disk full", roe.Message)
}

func TestSaveFileOpaqueError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>nope</html>"))
	}))

	_, err := c.SaveFile(context.Background(), "sess-1", "main.py", "print(1)")
	var roe *RemoteOperationError
	require.ErrorAs(t, err, &roe)
	assert.Equal(t, "server returned status 502", roe.Message)
}

func TestRunFileSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "main.py", body["filename"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "running main.py",
		})
	}))

	result, err := c.RunFile(context.Background(), "sess-1", "main.py")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "running main.py", result.Message)
}

func TestWaitForSessionReadyBecomesReady(t *testing.T) {
	var polls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessionId": "sess-1",
			"status":    "ready",
			"ready":     n >= 3,
		})
	}))

	snapshot, err := c.WaitForSessionReady(context.Background(), "sess-1",
		PollOptions{MaxAttempts: 10, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, snapshot.Ready)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitForSessionReadyTimeout(t *testing.T) {
	var polls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessionId": "sess-1",
			"status":    "creating",
			"ready":     false,
		})
	}))

	_, err := c.WaitForSessionReady(context.Background(), "sess-1",
		PollOptions{MaxAttempts: 4, Interval: time.Millisecond})
	var te *SessionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)
	assert.EqualValues(t, 4, polls.Load())
}

func TestWaitForSessionReadyToleratesTransientErrors(t *testing.T) {
	var polls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessionId": "sess-1",
			"status":    "ready",
			"ready":     true,
		})
	}))

	snapshot, err := c.WaitForSessionReady(context.Background(), "sess-1",
		PollOptions{MaxAttempts: 5, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, snapshot.Ready)
}

func TestWaitForSessionReadyFinalAttemptError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))

	_, err := c.WaitForSessionReady(context.Background(), "sess-1",
		PollOptions{MaxAttempts: 1, Interval: time.Millisecond})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestWaitForSessionReadyCancel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ready": false})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.WaitForSessionReady(ctx, "sess-1",
		PollOptions{MaxAttempts: 5, Interval: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListSessions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessions": []map[string]interface{}{{"sessionId": "sess-1", "ready": true}},
			"count":    1,
		})
	}))

	list, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.NotNil(t, list)
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "sess-1", list.Sessions[0].SessionID)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"activeSessions": 2,
		})
	}))

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.ActiveSessions)
}

func TestStreamEndpoint(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://api.local", StreamURL: "ws://api.local/ws/terminal"})
	got := c.StreamEndpoint("sess 1")
	assert.Equal(t, "ws://api.local/ws/terminal?sessionId=sess+1", got)
}
