package stub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler serves the session-control HTTP surface.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates the HTTP handler for the stub service.
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes mounts the session-control endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/session/create", h.CreateSession)
		r.Get("/session/{id}/status", h.SessionStatus)
		r.Post("/session/{id}/file", h.SaveFile)
		r.Post("/session/{id}/run", h.RunFile)
		r.Post("/session/{id}/command", h.SendCommand)
		r.Delete("/session/{id}", h.DeleteSession)
		r.Get("/sessions", h.ListSessions)
	})
	r.Get("/health", h.Health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// CreateSession provisions a new emulated session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Create()
	if err != nil {
		h.logger.Error("failed to create stub session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"podName":   sess.PodName,
		"status":    sess.Status,
	})
}

// SessionStatus reports one session's state.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := h.registry.Snapshot(chi.URLParam(r, "id"))
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, statusBody(sess))
}

func statusBody(sess *Session) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":   sess.ID,
		"podName":     sess.PodName,
		"status":      sess.Status,
		"ready":       sess.Ready,
		"currentFile": sess.CurrentFile,
		"uptime":      time.Since(sess.CreatedAt).Seconds(),
	}
}

// SaveFile writes a file into the session's working directory.
func (h *Handler) SaveFile(w http.ResponseWriter, r *http.Request) {
	sess := h.registry.Get(chi.URLParam(r, "id"))
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	var body struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Filename == "" {
		Error(w, http.StatusBadRequest, "filename is required")
		return
	}

	// Reject traversal outside the session workdir.
	name := filepath.Base(body.Filename)
	if name != body.Filename || strings.HasPrefix(name, ".") {
		Error(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(sess.WorkDir, name)
	if err := os.WriteFile(path, []byte(body.Content), 0644); err != nil {
		h.logger.Error("failed to write session file", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to write file")
		return
	}

	h.registry.SetCurrentFile(sess.ID, name)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "file saved",
		"path":    path,
	})
}

// RunFile executes a previously saved file with sh.
func (h *Handler) RunFile(w http.ResponseWriter, r *http.Request) {
	sess := h.registry.Get(chi.URLParam(r, "id"))
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	var body struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Filename == "" {
		Error(w, http.StatusBadRequest, "filename is required")
		return
	}

	command := "sh " + filepath.Base(body.Filename)
	out, err := h.registry.RunInSession(sess, command)
	if err != nil {
		JSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": strings.TrimSpace(out),
			"command": command,
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": strings.TrimSpace(out),
		"command": command,
	})
}

// SendCommand runs a one-shot shell command in the session.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	sess := h.registry.Get(chi.URLParam(r, "id"))
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}

	out, err := h.registry.RunInSession(sess, body.Command)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": err == nil,
		"message": strings.TrimSpace(out),
	})
}

// DeleteSession tears an emulated session down.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.Delete(id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session deleted",
	})
}

// ListSessions is the admin view of all live sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	bodies := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		bodies = append(bodies, statusBody(sess))
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": bodies,
		"count":    len(bodies),
	})
}

// Health reports service liveness and load.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"activeSessions":    h.registry.Count(),
		"activeConnections": h.registry.Connections(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}
