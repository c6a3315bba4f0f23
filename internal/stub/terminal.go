package stub

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/exec"

	"github.com/coder/websocket"
)

// TerminalHandler upgrades websocket connections and bridges them to a
// shell process running in the session's working directory.
type TerminalHandler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewTerminalHandler creates the websocket terminal handler.
func NewTerminalHandler(registry *Registry, logger *slog.Logger) *TerminalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TerminalHandler{registry: registry, logger: logger}
}

// inboundMessage is the structured client frame. Raw text frames fall
// through to direct stdin writes, matching legacy clients.
type inboundMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type outboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sess := h.registry.Get(sessionID)
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	h.registry.TrackConnection(1)
	defer h.registry.TrackConnection(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	shell := exec.CommandContext(ctx, "sh")
	shell.Dir = sess.WorkDir
	stdin, err := shell.StdinPipe()
	if err != nil {
		h.logger.Error("failed to open shell stdin", "error", err)
		return
	}
	stdout, err := shell.StdoutPipe()
	if err != nil {
		h.logger.Error("failed to open shell stdout", "error", err)
		return
	}
	shell.Stderr = shell.Stdout
	if err := shell.Start(); err != nil {
		h.logger.Error("failed to start shell", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if waitErr := shell.Wait(); waitErr != nil {
			h.logger.Debug("shell exited", "error", waitErr, "session_id", sessionID)
		}
	}()

	h.logger.Info("terminal attached", "session_id", sessionID)

	go h.outputLoop(ctx, ws, stdout, sessionID)
	h.inputLoop(ctx, ws, stdin, sessionID)
	cancel()
}

// inputLoop relays client frames to the shell. Structured
// terminal_input frames append a newline; raw frames pass through
// unchanged.
func (h *TerminalHandler) inputLoop(ctx context.Context, ws *websocket.Conn, stdin io.Writer, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err == nil && msg.Type == "terminal_input" {
			if _, err := stdin.Write([]byte(msg.Command + "\n")); err != nil {
				h.logger.Error("shell stdin write error", "error", err)
				return
			}
			continue
		}

		// Raw keystroke fallback.
		if _, err := stdin.Write(message); err != nil {
			h.logger.Error("shell stdin write error", "error", err)
			return
		}
	}
}

// outputLoop relays shell output as line-segmented structured frames.
func (h *TerminalHandler) outputLoop(ctx context.Context, ws *websocket.Conn, stdout io.Reader, sessionID string) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		frame, err := json.Marshal(outboundMessage{Type: "terminal_output", Data: scanner.Text()})
		if err != nil {
			continue
		}
		if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
			if ctx.Err() == nil {
				h.logger.Debug("websocket write error", "error", err, "session_id", sessionID)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		h.logger.Warn("shell output error", "error", err, "session_id", sessionID)
	}
}
