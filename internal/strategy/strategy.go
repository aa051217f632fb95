// Package strategy maps the setup-type tags attached to candidates by the
// opportunity source onto handlers that gate the candidate and supply the
// exit policy for its timeframe.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"autotrader/internal/domain"
)

// DefaultSetup is the name of the handler used for unrecognised setup types.
const DefaultSetup = "default"

// Handler is the capability every setup type implements.
type Handler interface {
	// Name returns the setup-type tag this handler serves.
	Name() string

	// Timeframe returns the holding horizon of the setup.
	Timeframe() domain.Timeframe

	// Evaluate accepts or rejects a candidate before sizing. A nil error
	// accepts it.
	Evaluate(c domain.Candidate) error
}

// LevelDeriver is implemented by handlers that set their own stop distance
// when a candidate arrives without a stop. StopVolatilityMultiple returns
// the multiple of the candidate's volatility to place the stop from entry;
// zero defers to the configured default.
type LevelDeriver interface {
	StopVolatilityMultiple() float64
}

// DefaultPolicy returns the built-in exit policy for a timeframe. Unknown
// timeframes get the intraday policy.
func DefaultPolicy(tf domain.Timeframe) domain.ExitPolicy {
	switch tf {
	case domain.TimeframeScalp:
		return domain.ExitPolicy{Timeframe: tf, TrailPct: 0.005, ScaleOutFractions: []float64{0.5, 0.5}, CloseAtSessionEnd: true}
	case domain.TimeframeSwing:
		return domain.ExitPolicy{Timeframe: tf, TrailPct: 0.03, ScaleOutFractions: []float64{0.33, 0.33, 0.34}}
	case domain.TimeframePosition:
		return domain.ExitPolicy{Timeframe: tf, TrailPct: 0.05, ScaleOutFractions: []float64{0.25, 0.25, 0.5}}
	}
	return domain.ExitPolicy{Timeframe: domain.TimeframeIntraday, TrailPct: 0.01, ScaleOutFractions: []float64{0.5, 0.3, 0.2}, CloseAtSessionEnd: true}
}

// Registry holds the setup handlers, the fallback handler and any per-setup
// exit policy overrides from configuration. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	fallback  Handler
	overrides map[string]domain.ExitPolicy
}

// NewRegistry creates a Registry whose fallback handler is fallback.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		fallback:  fallback,
		overrides: make(map[string]domain.ExitPolicy),
	}
}

// Register adds a handler to the registry, keyed by its Name().
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get retrieves a handler by name. The second return value indicates whether
// the handler was found.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Resolve returns the handler for setup, or the fallback handler when setup
// is not registered.
func (r *Registry) Resolve(setup string) Handler {
	if h, ok := r.Get(setup); ok {
		return h
	}
	return r.fallback
}

// Policy returns the exit policy for setup: the configured override when one
// exists, otherwise the default policy of the resolved handler's timeframe.
// The returned policy is a copy.
func (r *Registry) Policy(setup string) domain.ExitPolicy {
	r.mu.RLock()
	p, ok := r.overrides[setup]
	r.mu.RUnlock()
	if ok {
		return p.Clone()
	}
	return DefaultPolicy(r.Resolve(setup).Timeframe())
}

// SetPolicies replaces all exit policy overrides. Every policy is validated
// first; on error the previous overrides are kept.
func (r *Registry) SetPolicies(policies map[string]domain.ExitPolicy) error {
	next := make(map[string]domain.ExitPolicy, len(policies))
	for setup, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("exit policy for %s: %w", setup, err)
		}
		next[setup] = p.Clone()
	}
	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()
	return nil
}

// List returns a sorted slice of all registered handler names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
