package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ErrNotConnected is returned when an outbound frame is attempted
// without an open socket.
var ErrNotConnected = errors.New("terminal stream not connected")

// Frame types on the duplex channel.
const (
	frameTerminalOutput = "terminal_output"
	frameTerminalError  = "terminal_error"
	frameTerminalInput  = "terminal_input"
)

// inboundFrame is the structured inbound shape. Legacy servers send
// bare text instead; parsing falls back to raw when decode fails or the
// type is unrecognized.
type inboundFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// outboundCommand is the structured outbound shape for line commands.
// Raw keystrokes are sent as bare text frames, not wrapped in JSON.
type outboundCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Adapter owns one websocket connection for a session's terminal
// stream. Inbound frames are normalized into the output buffer; errors
// on the socket become visible buffer notices, never panics escaping
// the read loop.
type Adapter struct {
	endpoint string
	logger   *slog.Logger
	buf      *OutputBuffer
	onOutput func(string)

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
	done   chan struct{}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithBufferCap bounds retained output.
func WithBufferCap(max int) Option {
	return func(a *Adapter) { a.buf = NewOutputBuffer(max) }
}

// WithOutputCallback registers a callback invoked with every normalized
// append, for live rendering. It is called from the read loop and must
// not block.
func WithOutputCallback(fn func(string)) Option {
	return func(a *Adapter) { a.onOutput = fn }
}

// NewAdapter creates an adapter for the given stream endpoint. Dial
// must be called before any outbound frame is sent.
func NewAdapter(endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		endpoint: endpoint,
		logger:   slog.Default(),
		buf:      NewOutputBuffer(DefaultBufferCap),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dial connects the websocket and starts the read loop. It is a no-op
// if the adapter is already connected.
func (a *Adapter) Dial(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	conn, resp, err := websocket.Dial(ctx, a.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial terminal stream: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.conn = conn
	a.cancel = cancel
	a.closed = false
	a.done = done

	go a.readLoop(readCtx, conn, done)
	a.logger.Debug("terminal stream connected", "endpoint", a.endpoint)
	return nil
}

// Connected reports whether the socket is open.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && !a.closed
}

// Output returns the accumulated, normalized terminal output.
func (a *Adapter) Output() string {
	return a.buf.String()
}

// Buffer exposes the underlying output buffer.
func (a *Adapter) Buffer() *OutputBuffer {
	return a.buf
}

// Done is closed when the read loop exits, whether by remote close,
// error, or local Close.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// SendCommand sends a structured line command. It fails with
// ErrNotConnected when the socket is absent or closed.
func (a *Adapter) SendCommand(ctx context.Context, command string) error {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	data, err := json.Marshal(outboundCommand{Type: frameTerminalInput, Command: command})
	if err != nil {
		return fmt.Errorf("encode command frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write command frame: %w", err)
	}
	return nil
}

// SendInput forwards raw keystrokes as a bare text frame. It is
// fire-and-forget: per-keystroke error surfacing would be disruptive,
// so failures are only logged and connection loss is observed through
// the closed transition instead.
func (a *Adapter) SendInput(ctx context.Context, raw string) {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()
	if conn == nil || closed {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		a.logger.Debug("raw input write failed", "error", err)
	}
}

// Close shuts the socket down with a normal closure code. It is
// idempotent and never leaves the socket half-open.
func (a *Adapter) Close() {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.closed = true
	a.conn = nil
	a.cancel = nil
	a.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			a.logger.Debug("failed to close terminal stream", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// readLoop drains conn until it errors. done is this loop's own signal
// channel; a loop outliving a redial must not touch the new loop's
// channel, same as the a.conn guard below.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
			a.closed = true
		}
		a.mu.Unlock()
		close(done)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.handleDisconnect(err)
			return
		}
		a.handleFrame(string(data))
	}
}

// handleFrame normalizes one inbound frame into the output buffer.
// Structured frames with a recognized type take the structured path;
// anything else is treated as legacy raw text.
func (a *Adapter) handleFrame(raw string) {
	var frame inboundFrame
	if err := json.Unmarshal([]byte(raw), &frame); err == nil {
		switch frame.Type {
		case frameTerminalOutput:
			// Structured frames are line-segmented by the server, so each
			// one lands as its own line. A blank frame is a blank line.
			a.append(normalizeStructured(frame.Data) + "\n")
			return
		case frameTerminalError:
			a.append("ERROR: " + normalizeStructured(frame.Data) + "\n")
			return
		}
	}

	if text, ok := normalizeLegacy(raw); ok {
		a.append(text)
	}
}

func (a *Adapter) append(text string) {
	a.buf.Append(text)
	if a.onOutput != nil {
		a.onOutput(text)
	}
}

// handleDisconnect turns a read-loop error into user-visible output. A
// normal closure, or a close we initiated ourselves, stays silent.
func (a *Adapter) handleDisconnect(err error) {
	a.mu.Lock()
	wasClosed := a.closed
	a.mu.Unlock()
	if wasClosed || errors.Is(err, context.Canceled) {
		return
	}

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return
	}

	notice := "\n[connection lost]"
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		notice = fmt.Sprintf("\n[connection lost: %s]", ce.Reason)
	} else if status == -1 {
		a.logger.Warn("terminal stream read error", "error", err)
	}
	a.append(notice + "\n")
}
