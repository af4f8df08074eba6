// Package breaker provides a generic circuit breaker used to isolate
// failing downstream dependencies. A breaker wraps a unit of work and
// stops calling it after a run of consecutive failures, letting the
// dependency recover during a cooldown window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State identifies the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// String returns the state as a plain string.
func (s State) String() string {
	return string(s)
}

// ErrOpen is returned when the breaker rejects a call without invoking
// the protected operation.
var ErrOpen = errors.New("breaker open")

// Operation is the protected unit of work.
type Operation func(ctx context.Context) error

// Fallback is invoked instead of the operation while the breaker rejects
// calls. The cause is ErrOpen or the error that opened the breaker.
type Fallback func(ctx context.Context, cause error) error

// Settings configures a Breaker. Zero values are filled with defaults.
type Settings struct {
	// Name labels the protected call site in logs and transition hooks.
	Name string
	// Threshold is the number of consecutive counted failures that opens
	// the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before allowing a
	// single probe call.
	Cooldown time.Duration
	// OnStateChange, if set, observes every transition.
	OnStateChange func(name string, from, to State)
	Logger        *slog.Logger
}

func normalizeSettings(s Settings) Settings {
	if s.Name == "" {
		s.Name = "breaker"
	}
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Breaker is a single protected call site. It holds no business data,
// only failure-tracking state, and is safe for concurrent use.
type Breaker struct {
	settings Settings
	logger   *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	lastProbeAt         time.Time
	probing             bool
}

// New creates a closed Breaker with the given settings.
func New(settings Settings) *Breaker {
	settings = normalizeSettings(settings)
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		settings: settings,
		logger:   logger.With(slog.String("breaker", settings.Name)),
		state:    StateClosed,
	}
}

// State returns the current state, moving open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	return b.state
}

// Execute runs the operation through the breaker. While the breaker is
// open (or another probe is in flight during half-open), the operation
// is not invoked: the fallback runs instead when provided, otherwise
// ErrOpen is returned.
//
// Failure classification is the caller's responsibility: errors wrapped
// with Ignore are returned to the caller but never counted toward the
// threshold.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) error {
	probe, err := b.admit(time.Now())
	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	opErr := op(ctx)
	b.record(opErr, probe, time.Now())
	return opErr
}

// admit decides whether a call may proceed. It returns probe=true when
// the call is the single half-open trial.
func (b *Breaker) admit(now time.Time) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		b.lastProbeAt = now
		return true, nil
	default:
		return false, ErrOpen
	}
}

func (b *Breaker) record(opErr error, probe bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	if opErr == nil || isIgnored(opErr) {
		// An ignored error means the dependency answered; for breaker
		// purposes that is indistinguishable from success.
		b.consecutiveFailures = 0
		if b.state != StateClosed {
			b.transitionLocked(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	b.lastFailureAt = now
	if b.state == StateHalfOpen {
		b.transitionLocked(StateOpen)
		return
	}
	if b.state == StateClosed && b.consecutiveFailures >= b.settings.Threshold {
		b.transitionLocked(StateOpen)
	}
}

// refreshLocked moves open to half-open once the cooldown has elapsed.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.lastFailureAt) >= b.settings.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateHalfOpen {
		b.probing = false
	}
	if b.logger != nil {
		b.logger.Info("breaker state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("consecutive_failures", b.consecutiveFailures),
		)
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string {
	return fmt.Sprintf("ignored: %v", e.err)
}

func (e *ignoredError) Unwrap() error {
	return e.err
}

// Ignore marks an error as not breaker-relevant: it is returned to the
// caller unchanged in meaning but does not count toward the failure
// threshold. Use it for errors that prove the dependency is healthy,
// such as validation rejections.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

func isIgnored(err error) bool {
	var ignored *ignoredError
	return errors.As(err, &ignored)
}
