// Package stub is a local development stand-in for the remote
// sandbox-control service. It implements the documented HTTP and
// websocket contract against throwaway local shell processes so the
// client can be exercised without real sandbox infrastructure.
package stub

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one emulated sandbox.
type Session struct {
	ID          string
	PodName     string
	Status      string
	Ready       bool
	CurrentFile string
	CreatedAt   time.Time
	WorkDir     string
}

// Registry holds emulated sandbox sessions.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	readyDelay  time.Duration
	logger      *slog.Logger
	connections int
}

// NewRegistry creates a session registry. readyDelay simulates the
// provisioning window between create and ready.
func NewRegistry(readyDelay time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		readyDelay: readyDelay,
		logger:     logger,
	}
}

// Create provisions a new emulated session. It starts in "creating" and
// flips to ready after the configured delay, mimicking pod scheduling.
func (r *Registry) Create() (*Session, error) {
	workDir, err := os.MkdirTemp("", "podstub-*")
	if err != nil {
		return nil, fmt.Errorf("create session workdir: %w", err)
	}

	id := uuid.NewString()
	sess := &Session{
		ID:        id,
		PodName:   "pod-" + id[:8],
		Status:    "creating",
		CreatedAt: time.Now(),
		WorkDir:   workDir,
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	time.AfterFunc(r.readyDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.sessions[id]; ok {
			current.Status = "ready"
			current.Ready = true
			r.logger.Info("stub session ready", "session_id", id, "pod", current.PodName)
		}
	})

	r.logger.Info("stub session created", "session_id", id, "pod", sess.PodName)
	return sess, nil
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Snapshot returns a copy of a session's state, or nil.
func (r *Registry) Snapshot(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	copied := *sess
	return &copied
}

// List returns copies of all sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		copied := *sess
		out = append(out, &copied)
	}
	return out
}

// SetCurrentFile records the last file written into a session.
func (r *Registry) SetCurrentFile(id, filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.CurrentFile = filename
	}
}

// Delete tears a session down and removes its working directory.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := os.RemoveAll(sess.WorkDir); err != nil {
		r.logger.Warn("failed to remove session workdir", "session_id", id, "error", err)
	}
	r.logger.Info("stub session deleted", "session_id", id)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TrackConnection adjusts the live websocket connection count.
func (r *Registry) TrackConnection(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections += delta
}

// Connections returns the live websocket connection count.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

// RunInSession executes a one-shot shell command in the session's
// working directory, returning combined output.
func (r *Registry) RunInSession(sess *Session, command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = sess.WorkDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
