// Package breaker implements the three-state circuit breaker (closed, open,
// half_open) that wraps outbound upstream calls, per spec §4.2. State is shared across instances via the KV substrate when available,
// falling back to an in-process breaker when it is not.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Call when the breaker is open and the recovery
// timeout has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed before tripping to Open
	RecoveryTimeout  time.Duration // time Open must elapse before a probe call is allowed
	SuccessThreshold int           // consecutive successes in HalfOpen before closing
	CallTimeout      time.Duration // deadline applied to the wrapped call
}

// snapshot is the JSON shape persisted in the KV substrate, shared by every
// instance running this breaker.
type snapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	OpenedAt    time.Time `json:"opened_at"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Breaker guards calls to a single named dependency. Registered instances
// live in a Registry so they can be looked up by name.
type Breaker struct {
	name   string
	cfg    Config
	rdb    *redis.Client // nil => local-only fallback
	mu     sync.Mutex
	local  snapshot
	onTrip func(name string, st State)
}

func New(name string, cfg Config, rdb *redis.Client) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg,
		rdb:   rdb,
		local: snapshot{State: Closed.String()},
	}
}

// OnTransition registers a callback invoked whenever this breaker's state
// changes (used to drive the ops notifier and the state gauge).
func (b *Breaker) OnTransition(fn func(name string, st State)) {
	b.onTrip = fn
}

func (b *Breaker) stateKey() string     { return "circuit_breaker:" + b.name }
func (b *Breaker) heartbeatKey() string { return "circuit_breaker:" + b.name + ":heartbeat" }

// Call executes fn under the breaker's protection. If the breaker is open
// and the recovery timeout has not elapsed, fn is never invoked and ErrOpen
// is returned immediately.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	snap, err := b.load(ctx)
	if err != nil {
		// KV unreachable: fall back to the in-process view rather than
		// failing the call outright.
		snap = b.local
	}

	st := parseState(snap.State)
	now := time.Now()

	switch st {
	case Open:
		if now.Sub(snap.OpenedAt) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		st = HalfOpen
		snap.State = HalfOpen.String()
		snap.Successes = 0
		b.persist(ctx, snap)
		b.notify(HalfOpen)
	}
	snap.LastAttempt = now
	b.persist(ctx, snap)
	b.mu.Unlock()

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	callErr := fn(callCtx)

	b.mu.Lock()
	defer b.mu.Unlock()
	snap, _ = b.loadOrFallback(ctx)
	st = parseState(snap.State)

	if callErr != nil {
		snap.Failures++
		snap.Successes = 0
		if st == HalfOpen || snap.Failures >= b.cfg.FailureThreshold {
			snap.State = Open.String()
			snap.OpenedAt = time.Now()
			b.persist(ctx, snap)
			b.notify(Open)
			return callErr
		}
		b.persist(ctx, snap)
		return callErr
	}

	switch st {
	case HalfOpen:
		snap.Successes++
		if snap.Successes >= b.cfg.SuccessThreshold {
			snap.State = Closed.String()
			snap.Failures = 0
			snap.Successes = 0
			b.persist(ctx, snap)
			b.notify(Closed)
			return nil
		}
		b.persist(ctx, snap)
	default:
		snap.Failures = 0
		b.persist(ctx, snap)
	}
	return nil
}

func (b *Breaker) notify(st State) {
	if b.onTrip != nil {
		b.onTrip(b.name, st)
	}
}

func (b *Breaker) loadOrFallback(ctx context.Context) (snapshot, error) {
	snap, err := b.load(ctx)
	if err != nil {
		return b.local, err
	}
	return snap, nil
}

func (b *Breaker) load(ctx context.Context) (snapshot, error) {
	if b.rdb == nil {
		return b.local, nil
	}
	raw, err := b.rdb.Get(ctx, b.stateKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snapshot{State: Closed.String()}, nil
		}
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (b *Breaker) persist(ctx context.Context, snap snapshot) {
	b.local = snap
	if b.rdb == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ttl := b.cfg.CallTimeout * 10
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	_ = b.rdb.Set(ctx, b.stateKey(), raw, ttl).Err()
	_ = b.rdb.Set(ctx, b.heartbeatKey(), time.Now().Format(time.RFC3339), time.Minute).Err()
}

// Stats reports the breaker's live state for telemetry/status endpoints.
type Stats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
}

func (b *Breaker) Stats(ctx context.Context) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, _ := b.loadOrFallback(ctx)
	return Stats{Name: b.name, State: snap.State, Failures: snap.Failures, Successes: snap.Successes}
}

// Reset forces the breaker back to Closed, used by the registry-wide reset.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persist(ctx, snapshot{State: Closed.String()})
	b.notify(Closed)
}

func parseState(s string) State {
	switch s {
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		return Closed
	}
}

// Registry is a read-mostly, name-keyed set of breakers guarded per-entry by
// the individual Breaker's own mutex (spec §5: registries are read-mostly).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	rdb      *redis.Client
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), rdb: rdb}
}

// Get returns the named breaker, creating it with cfg on first use.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, r.rdb)
	r.breakers[name] = b
	return b
}

// All returns stats for every registered breaker.
func (r *Registry) All(ctx context.Context) []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats(ctx))
	}
	return out
}

// ResetAll forces every registered breaker back to Closed.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset(ctx)
	}
}
