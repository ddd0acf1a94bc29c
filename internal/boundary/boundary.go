// Package boundary implements named retry and circuit-breaker wrappers.
//
// A Boundary moves through Closed, Open, and HalfOpen. While Closed, calls
// run with bounded retries; once consecutive failures reach the threshold
// the circuit opens and calls are short-circuited to a fallback or
// ErrCircuitOpen. After the cool-down a single probe call is admitted: its
// success closes the circuit, its failure reopens it.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/taskvault/internal/clock"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
)

// State is a circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultThreshold  = 5
	DefaultCoolDown   = 60 * time.Second
)

// Fallback handles a call rejected by an open circuit. cause is the
// CIRCUIT_OPEN error the call would otherwise return.
type Fallback func(ctx context.Context, cause error) error

// Options configures a Boundary. Zero MaxRetries, Threshold, and CoolDown
// take the defaults; a zero RetryDelay retries immediately.
type Options struct {
	// MaxRetries is the number of attempts made per call while closed.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int
	CoolDown  time.Duration
	Fallback  Fallback
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.CoolDown <= 0 {
		o.CoolDown = DefaultCoolDown
	}
	return o
}

// Status is a snapshot of a boundary's counters.
type Status struct {
	Name                string             `json:"name"`
	State               State              `json:"state"`
	Errors              int64              `json:"errors"`
	Successes           int64              `json:"successes"`
	Rejected            int64              `json:"rejected"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Categories          map[Category]int64 `json:"categories"`
	HighImpact          bool               `json:"high_impact"`
	OpenedAt            time.Time          `json:"opened_at"`
	LastError           string             `json:"last_error,omitempty"`
}

// Boundary is a named circuit breaker with retries. Safe for concurrent use.
type Boundary struct {
	name      string
	opts      Options
	logger    *slog.Logger
	publisher events.Publisher
	clock     clock.Clock

	mu            sync.Mutex
	state         State
	consecutive   int
	errors        int64
	successes     int64
	rejected      int64
	categories    map[Category]int64
	openedAt      time.Time
	probeInFlight bool
	lastError     string
}

// Option configures a Boundary beyond its Options.
type Option func(*Boundary)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Boundary) {
		b.logger = logger
	}
}

// WithPublisher sets the publisher for circuit state events.
func WithPublisher(p events.Publisher) Option {
	return func(b *Boundary) {
		b.publisher = events.OrNop(p)
	}
}

// WithClock sets the clock used for cool-down timing.
func WithClock(clk clock.Clock) Option {
	return func(b *Boundary) {
		b.clock = clock.OrReal(clk)
	}
}

// New creates a closed Boundary.
func New(name string, opts Options, options ...Option) *Boundary {
	b := &Boundary{
		name:       name,
		opts:       opts.withDefaults(),
		logger:     slog.Default(),
		publisher:  events.NopPublisher{},
		clock:      clock.Real{},
		categories: make(map[Category]int64),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Name returns the boundary name.
func (b *Boundary) Name() string {
	return b.name
}

// State returns the current state. An open circuit whose cool-down has
// elapsed reports HalfOpen.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.coolDownElapsed() {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under the boundary using the configured fallback.
func (b *Boundary) Execute(ctx context.Context, fn func(context.Context) error) error {
	return b.run(ctx, fn, b.opts.Fallback)
}

// Do runs fn under b and returns its value. When the circuit is open,
// fallback (if non-nil) supplies the result; otherwise the boundary's own
// fallback or ErrCircuitOpen applies and the zero value is returned.
func Do[T any](ctx context.Context, b *Boundary, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var out T
	call := func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	}

	fb := b.opts.Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) error {
			v, err := fallback(ctx, cause)
			if err == nil {
				out = v
			}
			return err
		}
	}

	err := b.run(ctx, call, fb)
	return out, err
}

type admission int

const (
	admitNormal admission = iota
	admitProbe
	admitRejected
)

func (b *Boundary) run(ctx context.Context, fn func(context.Context) error, fallback Fallback) error {
	switch b.admit() {
	case admitRejected:
		cause := verrors.ErrCircuitOpenFor(b.name)
		if fallback != nil {
			return fallback(ctx, cause)
		}
		return cause
	case admitProbe:
		err := invoke(ctx, fn)
		b.finishProbe(err)
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxRetries; attempt++ {
		lastErr = invoke(ctx, fn)
		if lastErr == nil {
			b.recordSuccess()
			return nil
		}

		opened := b.recordFailure(lastErr)
		if opened || IsPermanent(lastErr) || attempt == b.opts.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := b.opts.RetryDelay * time.Duration(attempt)
		b.logger.Warn("boundary call failed, retrying",
			"boundary", b.name,
			"attempt", attempt,
			"max_attempts", b.opts.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w (last error: %v)", b.name, err, lastErr)
		}
	}
	return lastErr
}

// invoke runs fn, turning a panic into a permanent failure so the
// boundary always records the outcome.
func invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx)
}

// admit decides how a new call proceeds.
func (b *Boundary) admit() admission {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return admitNormal
	case StateOpen:
		if !b.coolDownElapsed() {
			b.rejected++
			return admitRejected
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return admitProbe
	default: // half-open
		if b.probeInFlight {
			b.rejected++
			return admitRejected
		}
		b.probeInFlight = true
		return admitProbe
	}
}

// coolDownElapsed must be called with b.mu held.
func (b *Boundary) coolDownElapsed() bool {
	return b.clock.Since(b.openedAt) >= b.opts.CoolDown
}

func (b *Boundary) finishProbe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	if err == nil {
		b.successes++
		b.consecutive = 0
		b.transitionLocked(StateClosed)
		return
	}
	b.countLocked(err)
	b.openedAt = b.clock.Now()
	b.transitionLocked(StateOpen)
}

func (b *Boundary) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	if b.state == StateClosed {
		b.consecutive = 0
	}
}

// recordFailure counts err and reports whether it opened the circuit.
func (b *Boundary) recordFailure(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.countLocked(err)
	b.consecutive++
	if b.state == StateClosed && b.consecutive >= b.opts.Threshold {
		b.openedAt = b.clock.Now()
		b.transitionLocked(StateOpen)
		return true
	}
	return b.state != StateClosed
}

func (b *Boundary) countLocked(err error) {
	b.errors++
	b.categories[Classify(err)]++
	b.lastError = err.Error()
}

// transitionLocked must be called with b.mu held.
func (b *Boundary) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit state changed",
		"boundary", b.name,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", b.consecutive,
	)
	b.publisher.Publish(events.NewEvent(events.EventCircuitState, b.name, events.CircuitData{
		Boundary: b.name,
		From:     from.String(),
		To:       to.String(),
	}))
}

// Reset closes the circuit and clears the failure streak. Counters are kept.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probeInFlight = false
	b.transitionLocked(StateClosed)
}

// Status returns a snapshot of the boundary's counters.
func (b *Boundary) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == StateOpen && b.coolDownElapsed() {
		state = StateHalfOpen
	}

	cats := make(map[Category]int64, len(b.categories))
	var critical int64
	for c, n := range b.categories {
		cats[c] = n
		if c.Critical() {
			critical += n
		}
	}

	st := Status{
		Name:                b.name,
		State:               state,
		Errors:              b.errors,
		Successes:           b.successes,
		Rejected:            b.rejected,
		ConsecutiveFailures: b.consecutive,
		Categories:          cats,
		HighImpact:          b.errors > 0 && critical*2 > b.errors,
		LastError:           b.lastError,
	}
	if b.state != StateClosed {
		st.OpenedAt = b.openedAt
	}
	return st
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCircuitOpen reports whether err came from a rejected call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, verrors.ErrCircuitOpen)
}
