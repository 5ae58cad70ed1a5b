// Package resilience guards image fetches with retries and per-host circuit
// breakers so one unreachable origin cannot stall a batch.
package resilience

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected by an open breaker.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 3.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open. Default: 60s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes that close it
	// again. Default: 1.
	HalfOpenProbes int

	// ShouldTrip decides whether an error counts as a failure. Nil counts
	// every non-nil error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the defaults used for image hosts.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker is a circuit breaker for one named dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	lastFail  time.Time
	successes int

	now func() time.Time
}

// NewBreaker creates a breaker. Zero config values take the defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, eris.Wrapf(err, "breaker %s", b.name)
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFail) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.lastFail) >= b.cfg.ResetTimeout {
		b.transition(BreakerHalfOpen)
		return nil
	}
	return ErrBreakerOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trip := err != nil
	if trip && b.cfg.ShouldTrip != nil {
		trip = b.cfg.ShouldTrip(err)
	}

	if !trip {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenProbes {
				b.failures = 0
				b.successes = 0
				b.transition(BreakerClosed)
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFail = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.successes = 0
		b.transition(BreakerOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// HostBreakers hands out one breaker per URL host.
type HostBreakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewHostBreakers creates an empty registry. Breakers it creates log their
// transitions unless cfg already observes them.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = LogStateChange
	}
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// LogStateChange is the default breaker observer.
func LogStateChange(name string, from, to BreakerState) {
	zap.L().Warn("resilience: breaker state change",
		zap.String("host", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Get returns the breaker for host, creating it on first use.
func (hb *HostBreakers) Get(host string) *Breaker {
	host = strings.ToLower(host)

	hb.mu.RLock()
	b, ok := hb.breakers[host]
	hb.mu.RUnlock()
	if ok {
		return b
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if b, ok = hb.breakers[host]; ok {
		return b
	}
	b = NewBreaker(host, hb.cfg)
	hb.breakers[host] = b
	return b
}

// ForURL returns the breaker for the host of rawURL. URLs without a host
// (data: URIs, local paths) share the breaker keyed by their scheme.
func (hb *HostBreakers) ForURL(rawURL string) *Breaker {
	u, err := url.Parse(rawURL)
	if err != nil {
		return hb.Get("invalid")
	}
	if u.Host != "" {
		return hb.Get(u.Host)
	}
	if u.Scheme != "" {
		return hb.Get(u.Scheme + ":")
	}
	return hb.Get("local")
}

// States snapshots every breaker's state.
func (hb *HostBreakers) States() map[string]BreakerState {
	hb.mu.RLock()
	defer hb.mu.RUnlock()
	out := make(map[string]BreakerState, len(hb.breakers))
	for host, b := range hb.breakers {
		out[host] = b.State()
	}
	return out
}
