// Package session orchestrates the lifecycle of one remote sandbox
// session: creation, reconnection, readiness polling, and wiring of the
// terminal stream once ready.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/podlabs/podctl/internal/domain"
	"github.com/podlabs/podctl/internal/gateway"
	"github.com/podlabs/podctl/internal/stream"
)

// ErrNotReady is returned when an operation requires a ready session.
var ErrNotReady = errors.New("session not ready")

// ErrNotConnected is returned when an operation requires an open
// terminal stream.
var ErrNotConnected = stream.ErrNotConnected

// Gateway is the part of the remote session-control surface the
// controller uses.
type Gateway interface {
	CreateSession(ctx context.Context) (*gateway.CreateResponse, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*gateway.StatusSnapshot, error)
	WaitForSessionReady(ctx context.Context, sessionID string, opts gateway.PollOptions) (*gateway.StatusSnapshot, error)
	SaveFile(ctx context.Context, sessionID, filename, content string) (*gateway.OperationResult, error)
	RunFile(ctx context.Context, sessionID, filename string) (*gateway.OperationResult, error)
	SendCommand(ctx context.Context, sessionID, command string) (*gateway.OperationResult, error)
	DeleteSession(ctx context.Context, sessionID string) (*gateway.OperationResult, error)
	StreamEndpoint(sessionID string) string
}

// Stream is the terminal stream surface the controller drives.
type Stream interface {
	Dial(ctx context.Context) error
	Connected() bool
	SendCommand(ctx context.Context, command string) error
	SendInput(ctx context.Context, raw string)
	Output() string
	Close()
}

// Recorder persists the user-to-session mapping. All calls are
// best-effort from the controller's point of view.
type Recorder interface {
	GetOrCreateUserSession(ctx context.Context, userID string) (*domain.UserSession, error)
	RecordUserSession(ctx context.Context, userID string, sess *domain.Session) error
	DeactivateUserSession(ctx context.Context, userID, sessionID string) error
}

// StreamFactory builds a Stream for a websocket endpoint. Overridable
// for tests.
type StreamFactory func(endpoint string) Stream

// Snapshot is a copy of controller state at one instant.
type Snapshot struct {
	Session domain.Session
	Loading bool
	// ErrMessage carries the human-readable cause while Status is error.
	ErrMessage string
	Connected  bool
}

// Controller is the session lifecycle state machine. All exported
// methods are safe for concurrent use. Concurrent creations are
// serialized by the creation lock; a delete racing a blocked creation
// is resolved by re-checking the current session id before the
// creation commits any transition.
type Controller struct {
	gw        Gateway
	recorder  Recorder
	poll      gateway.PollOptions
	newStream StreamFactory
	logger    *slog.Logger
	onChange  func(Snapshot)

	mu       sync.Mutex
	creating bool // creation lock, distinct from loading
	loading  bool
	sess     domain.Session
	errMsg   string
	stream   Stream
}

// Options configures a Controller.
type Options struct {
	// Recorder is optional; without it sessions are not persisted for
	// reconnection.
	Recorder Recorder
	// Poll overrides the readiness poll budget.
	Poll gateway.PollOptions
	// StreamFactory overrides terminal stream construction.
	StreamFactory StreamFactory
	Logger        *slog.Logger
	// OnChange is invoked with a state snapshot after every transition.
	// It must not call back into the controller.
	OnChange func(Snapshot)
}

// NewController creates a lifecycle controller over the given gateway.
func NewController(gw Gateway, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.StreamFactory
	if factory == nil {
		factory = func(endpoint string) Stream {
			return stream.NewAdapter(endpoint, stream.WithLogger(logger))
		}
	}
	poll := opts.Poll
	if poll.MaxAttempts <= 0 || poll.Interval <= 0 {
		poll = gateway.DefaultPollOptions()
	}
	return &Controller{
		gw:        gw,
		recorder:  opts.Recorder,
		poll:      poll,
		newStream: factory,
		logger:    logger,
		onChange:  opts.OnChange,
		sess:      domain.Session{Status: domain.StatusIdle},
	}
}

// CreateOptions controls session creation.
type CreateOptions struct {
	// UserID, when set, records the ready session for later reconnection.
	UserID string
	// TryReconnect adopts the user's existing session when one is still
	// alive instead of provisioning a new sandbox.
	TryReconnect bool
}

// Create provisions (or adopts) a session and blocks until it is ready.
// A second concurrent call while creation is in progress is a silent
// no-op returning (nil, nil): the creation lock is the defense against
// duplicate sandbox provisioning from overlapping triggers.
func (c *Controller) Create(ctx context.Context, opts CreateOptions) (*domain.Session, error) {
	c.mu.Lock()
	if c.creating {
		c.mu.Unlock()
		c.logger.Debug("session creation already in progress, skipping")
		return nil, nil
	}
	c.creating = true
	c.loading = true
	c.sess.Status = domain.StatusCreating
	c.sess.Ready = false
	c.errMsg = ""
	c.mu.Unlock()
	c.notify()

	// The lock must release on every path or the client is stuck.
	defer func() {
		c.mu.Lock()
		c.creating = false
		c.loading = false
		c.mu.Unlock()
		c.notify()
	}()

	sessionID, podName, reconnected, err := c.obtainSession(ctx, opts)
	if err != nil {
		c.fail(fmt.Sprintf("create session: %v", err))
		return nil, err
	}

	c.mu.Lock()
	c.sess.SessionID = sessionID
	c.sess.PodName = podName
	c.sess.Reconnected = reconnected
	c.mu.Unlock()

	snapshot, waitErr := c.gw.WaitForSessionReady(ctx, sessionID, c.poll)

	// Delete can land while the wait is blocked. Commit no transition
	// unless this creation's session is still the current one; a stale
	// commit would flip the controller to ready (or error) for a session
	// the server already reaped.
	c.mu.Lock()
	if c.sess.SessionID != sessionID {
		c.mu.Unlock()
		c.logger.Warn("session deleted during creation", "session_id", sessionID)
		return nil, fmt.Errorf("session %s deleted during creation", sessionID)
	}
	if waitErr != nil {
		msg := fmt.Sprintf("session %s never became ready: %v", sessionID, waitErr)
		c.sess.Status = domain.StatusError
		c.sess.Ready = false
		c.errMsg = msg
		c.mu.Unlock()
		c.notify()
		c.logger.Error("session lifecycle error", "message", msg)
		return nil, waitErr
	}
	c.sess.Status = domain.StatusReady
	c.sess.Ready = true
	c.sess.CurrentFile = snapshot.CurrentFile
	sess := c.sess
	c.mu.Unlock()
	c.notify()
	c.logger.Info("session ready",
		"session_id", sess.SessionID, "pod", sess.PodName, "reconnected", sess.Reconnected)

	// The ready transition is the only place a stream opens implicitly.
	if err := c.ConnectStream(ctx); err != nil {
		c.logger.Warn("failed to auto-connect terminal stream", "error", err)
	}

	if opts.UserID != "" && c.recorder != nil {
		if err := c.recorder.RecordUserSession(ctx, opts.UserID, &sess); err != nil {
			// Tracking writes never fail session creation.
			c.logger.Warn("failed to record user session", "user_id", opts.UserID, "error", err)
		}
	}

	return &sess, nil
}

// obtainSession adopts the user's live session when reconnection is
// requested and possible, else asks the server for a fresh one.
func (c *Controller) obtainSession(ctx context.Context, opts CreateOptions) (sessionID, podName string, reconnected bool, err error) {
	if opts.TryReconnect && opts.UserID != "" && c.recorder != nil {
		prior, lookupErr := c.recorder.GetOrCreateUserSession(ctx, opts.UserID)
		if lookupErr != nil {
			c.logger.Warn("reconnect lookup failed, creating fresh session",
				"user_id", opts.UserID, "error", lookupErr)
		} else if prior != nil {
			if _, statusErr := c.gw.GetSessionStatus(ctx, prior.SessionID); statusErr == nil {
				c.logger.Info("adopting existing session",
					"user_id", opts.UserID, "session_id", prior.SessionID)
				return prior.SessionID, prior.PodName, true, nil
			}
			c.logger.Info("recorded session no longer exists, creating fresh",
				"session_id", prior.SessionID)
		}
	}

	created, err := c.gw.CreateSession(ctx)
	if err != nil {
		return "", "", false, err
	}
	return created.SessionID, created.PodName, false, nil
}

// ConnectStream opens the terminal stream for the current session. It
// is a no-op when there is no session, the session is not ready, or a
// stream already exists.
func (c *Controller) ConnectStream(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.SessionID == "" || !c.sess.IsReady() || c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	s := c.newStream(c.gw.StreamEndpoint(c.sess.SessionID))
	c.stream = s
	c.mu.Unlock()

	if err := s.Dial(ctx); err != nil {
		c.mu.Lock()
		if c.stream == s {
			c.stream = nil
		}
		c.mu.Unlock()
		return err
	}
	c.notify()
	return nil
}

// SaveAndRun saves a file into the sandbox and executes it. It fails
// fast with ErrNotReady when the session is not ready. The combined
// success covers both the save and the run.
func (c *Controller) SaveAndRun(ctx context.Context, filename, content string) (bool, error) {
	c.mu.Lock()
	if !c.sess.IsReady() {
		c.mu.Unlock()
		return false, ErrNotReady
	}
	sessionID := c.sess.SessionID
	c.mu.Unlock()

	saveResult, err := c.gw.SaveFile(ctx, sessionID, filename, content)
	if err != nil {
		return false, fmt.Errorf("save %s: %w", filename, err)
	}

	c.mu.Lock()
	c.sess.CurrentFile = filename
	c.mu.Unlock()
	c.notify()

	runResult, err := c.gw.RunFile(ctx, sessionID, filename)
	if err != nil {
		return false, fmt.Errorf("run %s: %w", filename, err)
	}

	return saveResult.Success && runResult.Success, nil
}

// SendCommand sends a structured line command over the terminal stream.
func (c *Controller) SendCommand(ctx context.Context, command string) error {
	c.mu.Lock()
	s := c.stream
	ready := c.sess.IsReady()
	c.mu.Unlock()

	if s == nil || !ready || !s.Connected() {
		return ErrNotConnected
	}
	return s.SendCommand(ctx, command)
}

// SendInput forwards raw keystrokes. Fire-and-forget: interactive
// keystroke forwarding surfaces no per-key errors.
func (c *Controller) SendInput(ctx context.Context, raw string) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.SendInput(ctx, raw)
}

// Delete tears the session down: terminal stream first (graceful
// close), then the user-session mapping (best-effort), then the remote
// delete. Local state resets to idle no matter what the server said; a
// session the server already reaped must not leave the client stuck.
func (c *Controller) Delete(ctx context.Context, userID string) error {
	c.mu.Lock()
	s := c.stream
	sessionID := c.sess.SessionID
	c.stream = nil
	c.mu.Unlock()

	if s != nil {
		s.Close()
	}

	if sessionID == "" {
		c.reset()
		return nil
	}

	if userID != "" && c.recorder != nil {
		if err := c.recorder.DeactivateUserSession(ctx, userID, sessionID); err != nil {
			c.logger.Warn("failed to deactivate user session",
				"user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	var deleteErr error
	if _, err := c.gw.DeleteSession(ctx, sessionID); err != nil {
		c.logger.Warn("remote delete failed, resetting local state anyway",
			"session_id", sessionID, "error", err)
		deleteErr = err
	}

	c.reset()
	return deleteErr
}

// Output returns the terminal output accumulated so far.
func (c *Controller) Output() string {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.Output()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Session:    c.sess,
		Loading:    c.loading,
		ErrMessage: c.errMsg,
		Connected:  c.stream != nil && c.stream.Connected(),
	}
}

// fail records an error transition with its human-readable cause.
func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.sess.Status = domain.StatusError
	c.sess.Ready = false
	c.errMsg = msg
	c.mu.Unlock()
	c.notify()
	c.logger.Error("session lifecycle error", "message", msg)
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.sess = domain.Session{Status: domain.StatusIdle}
	c.errMsg = ""
	c.loading = false
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}
