package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podlabs/podctl/internal/domain"
	"github.com/podlabs/podctl/internal/gateway"
)

type fakeGateway struct {
	mu            sync.Mutex
	creates       int
	statusCalls   int
	deletes       int
	saved         []string
	ran           []string
	createBlock   chan struct{} // when set, CreateSession waits on it
	waitBlock     chan struct{} // when set, WaitForSessionReady waits on it
	createErr     error
	waitErr       error
	deleteErr     error
	statusErr     error
	knownSessions map[string]bool
}

func (g *fakeGateway) CreateSession(ctx context.Context) (*gateway.CreateResponse, error) {
	g.mu.Lock()
	g.creates++
	block := g.createBlock
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CreateResponse{SessionID: "sess-new", PodName: "pod-new", Status: "creating"}, nil
}

func (g *fakeGateway) GetSessionStatus(ctx context.Context, sessionID string) (*gateway.StatusSnapshot, error) {
	g.mu.Lock()
	g.statusCalls++
	g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.knownSessions != nil && !g.knownSessions[sessionID] {
		return nil, &gateway.NotFoundError{SessionID: sessionID}
	}
	return &gateway.StatusSnapshot{SessionID: sessionID, Status: "ready", Ready: true}, nil
}

func (g *fakeGateway) WaitForSessionReady(ctx context.Context, sessionID string, opts gateway.PollOptions) (*gateway.StatusSnapshot, error) {
	if g.waitBlock != nil {
		<-g.waitBlock
	}
	if g.waitErr != nil {
		return nil, g.waitErr
	}
	return &gateway.StatusSnapshot{SessionID: sessionID, Status: "ready", Ready: true, CurrentFile: "main.py"}, nil
}

func (g *fakeGateway) SaveFile(ctx context.Context, sessionID, filename, content string) (*gateway.OperationResult, error) {
	g.mu.Lock()
	g.saved = append(g.saved, filename)
	g.mu.Unlock()
	return &gateway.OperationResult{Success: true}, nil
}

func (g *fakeGateway) RunFile(ctx context.Context, sessionID, filename string) (*gateway.OperationResult, error) {
	g.mu.Lock()
	g.ran = append(g.ran, filename)
	g.mu.Unlock()
	return &gateway.OperationResult{Success: true}, nil
}

func (g *fakeGateway) SendCommand(ctx context.Context, sessionID, command string) (*gateway.OperationResult, error) {
	return &gateway.OperationResult{Success: true}, nil
}

func (g *fakeGateway) DeleteSession(ctx context.Context, sessionID string) (*gateway.OperationResult, error) {
	g.mu.Lock()
	g.deletes++
	g.mu.Unlock()
	if g.deleteErr != nil {
		return nil, g.deleteErr
	}
	return &gateway.OperationResult{Success: true}, nil
}

func (g *fakeGateway) StreamEndpoint(sessionID string) string {
	return "ws://test.local/ws/terminal?sessionId=" + sessionID
}

type fakeStream struct {
	mu        sync.Mutex
	connected bool
	dialErr   error
	commands  []string
	inputs    []string
}

func (s *fakeStream) Dial(ctx context.Context) error {
	if s.dialErr != nil {
		return s.dialErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) SendCommand(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.commands = append(s.commands, command)
	return nil
}

func (s *fakeStream) SendInput(ctx context.Context, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, raw)
}

func (s *fakeStream) Output() string { return "out" }

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

type fakeRecorder struct {
	mu          sync.Mutex
	active      *domain.UserSession
	recorded    []string
	deactivated []string
	lookupErr   error
}

func (r *fakeRecorder) GetOrCreateUserSession(ctx context.Context, userID string) (*domain.UserSession, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	return r.active, nil
}

func (r *fakeRecorder) RecordUserSession(ctx context.Context, userID string, sess *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, sess.SessionID)
	return nil
}

func (r *fakeRecorder) DeactivateUserSession(ctx context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated = append(r.deactivated, sessionID)
	return nil
}

func newTestController(gw Gateway, opts Options) (*Controller, *fakeStream) {
	fs := &fakeStream{}
	if opts.StreamFactory == nil {
		opts.StreamFactory = func(endpoint string) Stream { return fs }
	}
	opts.Poll = gateway.PollOptions{MaxAttempts: 1, Interval: time.Millisecond}
	return NewController(gw, opts), fs
}

func TestCreateFreshSession(t *testing.T) {
	gw := &fakeGateway{}
	rec := &fakeRecorder{}
	c, fs := newTestController(gw, Options{Recorder: rec})

	sess, err := c.Create(context.Background(), CreateOptions{UserID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-new", sess.SessionID)
	assert.Equal(t, domain.StatusReady, sess.Status)
	assert.True(t, sess.Ready)
	assert.False(t, sess.Reconnected)
	assert.Equal(t, "main.py", sess.CurrentFile)

	// Ready auto-connects the stream and records the mapping.
	assert.True(t, fs.Connected())
	assert.Equal(t, []string{"sess-new"}, rec.recorded)

	snap := c.Snapshot()
	assert.False(t, snap.Loading)
	assert.True(t, snap.Connected)
}

func TestCreateConcurrentIsSilentNoOp(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{createBlock: block}
	c, _ := newTestController(gw, Options{})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = c.Create(context.Background(), CreateOptions{})
	}()

	// Wait for the first call to take the creation lock.
	require.Eventually(t, func() bool {
		return c.Snapshot().Loading
	}, time.Second, time.Millisecond)

	sess, err := c.Create(context.Background(), CreateOptions{})
	assert.NoError(t, err)
	assert.Nil(t, sess)

	close(block)
	<-firstDone

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 1, gw.creates)
}

func TestCreateReconnectAdoptsLiveSession(t *testing.T) {
	gw := &fakeGateway{knownSessions: map[string]bool{"sess-old": true}}
	rec := &fakeRecorder{active: &domain.UserSession{
		UserID: "alice", SessionID: "sess-old", PodName: "pod-old", IsActive: true,
	}}
	c, _ := newTestController(gw, Options{Recorder: rec})

	sess, err := c.Create(context.Background(), CreateOptions{UserID: "alice", TryReconnect: true})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-old", sess.SessionID)
	assert.Equal(t, "pod-old", sess.PodName)
	assert.True(t, sess.Reconnected)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 0, gw.creates)
}

func TestCreateReconnectFallsBackWhenSessionGone(t *testing.T) {
	gw := &fakeGateway{knownSessions: map[string]bool{}}
	rec := &fakeRecorder{active: &domain.UserSession{
		UserID: "alice", SessionID: "sess-dead", PodName: "pod-dead", IsActive: true,
	}}
	c, _ := newTestController(gw, Options{Recorder: rec})

	sess, err := c.Create(context.Background(), CreateOptions{UserID: "alice", TryReconnect: true})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-new", sess.SessionID)
	assert.False(t, sess.Reconnected)
}

func TestCreateFailureReleasesLock(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("backend down")}
	c, _ := newTestController(gw, Options{})

	_, err := c.Create(context.Background(), CreateOptions{})
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Session.Status)
	assert.NotEmpty(t, snap.ErrMessage)
	assert.False(t, snap.Loading)

	// A later attempt can run again.
	gw.createErr = nil
	sess, err := c.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, domain.StatusReady, sess.Status)
}

func TestCreateReadinessTimeout(t *testing.T) {
	gw := &fakeGateway{waitErr: &gateway.SessionTimeoutError{SessionID: "sess-new", Attempts: 1}}
	c, _ := newTestController(gw, Options{})

	_, err := c.Create(context.Background(), CreateOptions{})
	var te *gateway.SessionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusError, c.Snapshot().Session.Status)
}

func TestSaveAndRunRequiresReady(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestController(gw, Options{})

	_, err := c.SaveAndRun(context.Background(), "main.py", "print(1)")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSaveAndRun(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestController(gw, Options{})
	_, err := c.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	ok, err := c.SaveAndRun(context.Background(), "script.py", "print(1)")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"script.py"}, gw.saved)
	assert.Equal(t, []string{"script.py"}, gw.ran)
	assert.Equal(t, "script.py", c.Snapshot().Session.CurrentFile)
}

func TestSendCommandRequiresConnectedStream(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestController(gw, Options{})

	err := c.SendCommand(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendCommandOverStream(t *testing.T) {
	gw := &fakeGateway{}
	c, fs := newTestController(gw, Options{})
	_, err := c.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.SendCommand(context.Background(), "echo hi"))
	assert.Equal(t, []string{"echo hi"}, fs.commands)
}

func TestDeleteResetsEvenWhenRemoteFails(t *testing.T) {
	gw := &fakeGateway{deleteErr: errors.New("already reaped")}
	rec := &fakeRecorder{}
	c, fs := newTestController(gw, Options{Recorder: rec})
	_, err := c.Create(context.Background(), CreateOptions{UserID: "alice"})
	require.NoError(t, err)

	err = c.Delete(context.Background(), "alice")
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, domain.StatusIdle, snap.Session.Status)
	assert.Empty(t, snap.Session.SessionID)
	assert.False(t, snap.Connected)
	assert.False(t, fs.Connected())
	assert.Equal(t, []string{"sess-new"}, rec.deactivated)
}

func TestDeleteDuringCreateDoesNotGoReady(t *testing.T) {
	waitBlock := make(chan struct{})
	gw := &fakeGateway{waitBlock: waitBlock}
	c, _ := newTestController(gw, Options{})

	createDone := make(chan error, 1)
	go func() {
		_, err := c.Create(context.Background(), CreateOptions{})
		createDone <- err
	}()

	// Wait until the creation has a session id and is blocked in the
	// readiness wait.
	require.Eventually(t, func() bool {
		return c.Snapshot().Session.SessionID == "sess-new"
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Delete(context.Background(), ""))
	gw.mu.Lock()
	assert.Equal(t, 1, gw.deletes)
	gw.mu.Unlock()

	close(waitBlock)
	err := <-createDone
	require.Error(t, err, "creation must not succeed for a session deleted mid-wait")

	snap := c.Snapshot()
	assert.Equal(t, domain.StatusIdle, snap.Session.Status)
	assert.False(t, snap.Session.Ready)
	assert.Empty(t, snap.Session.SessionID)
}

func TestDeleteWithoutSession(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestController(gw, Options{})

	require.NoError(t, c.Delete(context.Background(), "alice"))
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 0, gw.deletes)
}

func TestOnChangeSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var statuses []domain.Status
	gw := &fakeGateway{}
	c, _ := newTestController(gw, Options{OnChange: func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.Session.Status)
		mu.Unlock()
	}})

	_, err := c.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, domain.StatusCreating)
	assert.Contains(t, statuses, domain.StatusReady)
}
