// Package resilience provides the circuit breaker guarding gateway RPCs.
//
// The gateway is optional infrastructure: an agent keeps serving
// conversations while it is down. The breaker makes that cheap — once the
// gateway stops answering, register/heartbeat/handoff calls fail fast
// instead of burning a full timeout each, and a periodic probe detects
// recovery.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects a call without running
// it.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a Breaker.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets one probe call through; its outcome decides the next
	// state.
	HalfOpen
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options tunes a Breaker. Zero values get defaults suited to gateway RPCs.
type Options struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 3.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default
	// 10s.
	Cooldown time.Duration

	// Logger receives state transitions. Nil uses the default logger.
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker (closed, open, half-open with a
// single probe).
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a Breaker from opts.
func New(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		name:      opts.Name,
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		logger:    opts.Logger,
		now:       opts.Now,
		state:     Closed,
	}
}

// Do runs fn if the breaker allows it. While open it returns ErrOpen without
// calling fn; after the cooldown exactly one caller is admitted as a probe.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// allow decides whether a call may proceed, performing the open → half-open
// transition when the cooldown has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, probing", "name", b.name)
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// record feeds a call outcome back into the breaker.
func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
		if ok {
			b.state = Closed
			b.failures = 0
			b.logger.Info("circuit closed after successful probe", "name", b.name)
		} else {
			b.state = Open
			b.openedAt = b.now()
			b.logger.Warn("circuit re-opened, probe failed", "name", b.name)
		}
		return
	}

	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
		b.logger.Warn("circuit opened", "name", b.name, "failures", b.failures)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
