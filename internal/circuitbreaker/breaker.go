// Package circuitbreaker implements a three-state circuit breaker
// with a trailing failure window.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// State is the breaker state.
type State int32

const (
	// StateClosed lets all requests through.
	StateClosed State = iota
	// StateHalfOpen lets a single trial request through at a time.
	StateHalfOpen
	// StateOpen rejects all requests.
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures a breaker.
type Config struct {
	// Threshold is the number of failures within MonitoringPeriod
	// that opens the circuit.
	Threshold int
	// MonitoringPeriod is the trailing window failures are counted in.
	MonitoringPeriod time.Duration
	// Timeout is how long the circuit stays open before permitting a
	// half-open trial.
	Timeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		MonitoringPeriod: time.Minute,
		Timeout:          30 * time.Second,
	}
}

// Transition describes a breaker state change.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker is a circuit breaker for one protection domain. Failures
// are timestamped so only those inside the trailing monitoring period
// count toward the threshold.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
	trialInFlight     bool

	subs    []chan Transition
	logger  observability.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// Option is a functional option for configuring the breaker.
type Option func(*Breaker)

// WithLogger sets the logger for the breaker.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink for the breaker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// withClock overrides the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = DefaultConfig().MonitoringPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. The open to half-open transition is
// lazy, so State reports open until the next Allow after the timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In the open state it
// returns ErrCircuitOpen until the timeout elapses, then flips to
// half-open and admits a single trial. In half-open, requests beyond
// the in-flight trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			return util.ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			return util.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil

	default:
		return util.ErrCircuitOpen
	}
}

// RecordSuccess records a successful request. Closing from half-open
// requires ceil(threshold/2) consecutive successes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}

	b.trialInFlight = false
	b.halfOpenSuccesses++

	if b.halfOpenSuccesses >= b.requiredSuccesses() {
		b.failures = nil
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure records a failed request. In the closed state the
// failure joins the trailing window and may open the circuit; in the
// half-open state a single failure reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.Threshold {
			b.openedAt = now
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = now
		b.transitionLocked(StateOpen)

	case StateOpen:
		// Late results from requests admitted earlier are ignored.
	}
}

// Execute runs op when the breaker admits it and records the outcome.
// A rejected call returns ErrCircuitOpen without invoking op, so
// callers can tell the breaker's refusal apart from op's own failures.
func (b *Breaker) Execute(op func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	if err := op(); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

// ReleaseTrial abandons a half-open trial without recording an
// outcome. Callers use it when a request was admitted but ended in a
// result that is neither a success nor a backend failure.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RetryAfter returns how long until an open breaker admits its next
// trial. It is zero when the breaker is not open or the timeout has
// already elapsed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.Timeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FailureCount returns the number of failures currently inside the
// monitoring window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// Subscribe returns a channel receiving one event per state
// transition. Slow subscribers may miss events.
func (b *Breaker) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// requiredSuccesses is ceil(threshold/2).
func (b *Breaker) requiredSuccesses() int {
	return (b.cfg.Threshold + 1) / 2
}

// pruneLocked drops failures older than the monitoring period.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0:0], b.failures[i:]...)
	}
}

// transitionLocked mutates state, then notifies. Callers hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if to != StateHalfOpen {
		b.halfOpenSuccesses = 0
		b.trialInFlight = false
	}

	b.logger.Info("circuit breaker state changed",
		observability.String("breaker", b.name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	if b.metrics != nil {
		b.metrics.SetBreakerState(b.name, int(to))
		b.metrics.RecordBreakerTransition(b.name, from.String(), to.String())
	}

	evt := Transition{Name: b.name, From: from, To: to, At: b.now()}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
