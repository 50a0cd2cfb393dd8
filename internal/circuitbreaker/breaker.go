// Package circuitbreaker guards calls to external banking providers. A
// provider that keeps failing stops receiving traffic for a cooldown window
// instead of burning delivery attempts.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuitbreaker: open")
	ErrTooManyRequests = errors.New("circuitbreaker: too many half-open probes")
)

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes limits concurrent requests in half-open state.
	MaxProbes uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// TripAfter is the consecutive failure count that opens the breaker.
	TripAfter uint32
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxProbes:   1,
		OpenTimeout: 30 * time.Second,
		TripAfter:   5,
	}
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	openedAt   time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	return &Breaker{cfg: cfg}
}

// State reports the effective state, accounting for the open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a snapshot of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn when the breaker allows it and records the outcome. The
// generation check discards outcomes from before a state change.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.currentState(time.Now())
	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrTooManyRequests
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, current := b.currentState(time.Now())
	if gen != current {
		return
	}

	// Requests was already counted in before; undo so onSuccess/onFailure
	// keep the invariant Requests = successes + failures.
	b.counts.Requests--

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
		b.transition(StateOpen)
	}
}

// currentState moves open -> half-open once the timeout has elapsed.
// Callers must hold b.mu.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	slog.Warn("circuit breaker state change", "name", b.cfg.Name,
		"from", from.String(), "to", to.String())
}

// Group keys breakers by name, one per provider endpoint.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	make     func(name string) Config
}

func NewGroup(make func(name string) Config) *Group {
	if make == nil {
		make = DefaultConfig
	}
	return &Group{breakers: map[string]*Breaker{}, make: make}
}

func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(g.make(name))
		g.breakers[name] = b
	}
	return b
}
