// Package circuitbreaker stops calling upstream hosts (feed servers, the
// search engine, the ML service) that keep failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// MaxRequests bounds the trial requests let through while half-open.
	MaxRequests uint32
	// Interval is how often a closed breaker forgets its counts.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trying again.
	Timeout time.Duration
	// Threshold is the minimum number of requests before the failure ratio
	// is evaluated, and the successes needed to close from half-open.
	Threshold uint32
	// FailureRatio at or above which a closed breaker opens.
	FailureRatio float64

	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// DefaultConfig suits feed hosts: polled rarely, so a handful of failures is meaningful.
func DefaultConfig() Config {
	return Config{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		Threshold:    5,
		FailureRatio: 0.6,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type counts struct {
	requests uint32
	total    uint32
	failures uint32
}

// Breaker guards calls to one upstream.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts counts
	expiry time.Time
}

// New creates a breaker identified by name in state-change callbacks.
func New(name string, config Config) *Breaker {
	config = config.withDefaults()
	b := &Breaker{name: name, config: config}
	b.expiry = config.Now().Add(config.Interval)
	return b
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(b.config.Now())
}

// Execute runs fn unless the breaker rejects it. fn's error counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(b.config.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.counts.requests >= b.config.MaxRequests {
			return ErrTooManyRequests
		}
	}
	b.counts.requests++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	switch b.current(now) {
	case StateClosed:
		b.counts.total++
		if !success {
			b.counts.failures++
		}
		if b.counts.total >= b.config.Threshold &&
			float64(b.counts.failures)/float64(b.counts.total) >= b.config.FailureRatio {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			b.transition(StateOpen, now)
			return
		}
		b.counts.total++
		if b.counts.total >= b.config.Threshold {
			b.transition(StateClosed, now)
		}
	}
}

// current advances time-based transitions and returns the resulting state.
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.counts = counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	b.counts = counts{}
	switch to {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default:
		b.expiry = time.Time{}
	}
	if b.config.OnStateChange != nil && from != to {
		b.config.OnStateChange(b.name, from, to)
	}
}

// Hosts keeps one breaker per upstream host.
type Hosts struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewHosts(config Config) *Hosts {
	return &Hosts{breakers: make(map[string]*Breaker), config: config}
}

// Execute runs fn under host's breaker.
func (h *Hosts) Execute(host string, fn func() error) error {
	return h.get(host).Execute(fn)
}

func (h *Hosts) get(host string) *Breaker {
	h.mu.RLock()
	b, ok := h.breakers[host]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.breakers[host]; ok {
		return b
	}
	b = New(host, h.config)
	h.breakers[host] = b
	return b
}

// State returns the state for a specific host
func (h *Hosts) State(host string) State {
	return h.get(host).State()
}

// Snapshot returns the state of every known host.
func (h *Hosts) Snapshot() map[string]State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]State, len(h.breakers))
	for host, b := range h.breakers {
		out[host] = b.State()
	}
	return out
}

// Reset forgets the breaker for a specific host
func (h *Hosts) Reset(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.breakers, host)
}
