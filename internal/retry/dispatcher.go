// Package retry provides keyed in-flight de-duplication and bounded
// retry for remote calls.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxRetries is the number of rescheduled attempts before an
// error is surfaced to the caller.
const DefaultMaxRetries = 3

// DefaultBaseDelay is the unit for the linear backoff schedule.
const DefaultBaseDelay = time.Second

// Dispatcher wraps asynchronous remote calls with per-key in-flight
// de-duplication and linear-backoff retry. It is safe for concurrent use.
type Dispatcher struct {
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	attempts map[string]int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithBaseDelay overrides the backoff unit.
func WithBaseDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.baseDelay = delay }
}

// WithLogger sets the logger used for retry scheduling messages.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher with the default retry budget.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		logger:     slog.Default(),
		inFlight:   make(map[string]bool),
		attempts:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do invokes fn unless an identically-keyed call is already in flight,
// in which case it returns nil immediately without invoking fn. On
// failure with retry budget remaining, the attempt is rescheduled on its
// own goroutine after baseDelay*(attempt+1) and Do returns nil: the
// original caller cannot observe a retried success through this return
// value and must re-read whatever state fn publishes. Once the budget is
// exhausted the counter is cleared and the last error is returned.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	d.mu.Lock()
	if d.inFlight[key] {
		d.mu.Unlock()
		d.logger.Debug("request already in flight, skipping", "key", key)
		return nil
	}
	d.inFlight[key] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, key)
		d.mu.Unlock()
	}()

	err := fn(ctx)
	if err == nil {
		d.mu.Lock()
		delete(d.attempts, key)
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	attempt := d.attempts[key]
	if attempt >= d.maxRetries {
		delete(d.attempts, key)
		d.mu.Unlock()
		return err
	}
	d.attempts[key] = attempt + 1
	d.mu.Unlock()

	delay := d.baseDelay * time.Duration(attempt+1)
	d.logger.Debug("request failed, scheduling retry",
		"key", key,
		"attempt", attempt+1,
		"delay", delay,
		"error", err)

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.attempts, key)
			d.mu.Unlock()
			return
		}
		if retryErr := d.Do(ctx, key, fn); retryErr != nil {
			d.logger.Warn("request failed after retries", "key", key, "error", retryErr)
		}
	}()

	return nil
}

// Pending reports whether a call for key is currently in flight.
func (d *Dispatcher) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[key]
}
