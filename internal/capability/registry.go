// Package capability tracks the backends a node was started with and
// whether each one is currently usable.
package capability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Check reports whether a capability can serve requests right now.
type Check func() bool

type Status struct {
	Capability
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

type entry struct {
	cap   Capability
	check Check
}

type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	entries map[string]*entry
	meter   metric.Meter
	healthy metric.Int64ObservableGauge
	reg     metric.Registration
	now     func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:     log.With(slog.String("component", "capability-registry")),
		entries: make(map[string]*entry),
		meter:   otel.Meter("github.com/loqalabs/minerlex/internal/capability"),
		now:     time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds or replaces a capability. A nil check means always healthy.
func (r *Registry) Register(c Capability, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.Name] = &entry{cap: c, check: check}
	r.log.Debug("capability registered", slog.String("name", c.Name), slog.String("tier", c.Tier))
}

func (r *Registry) Close() {
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

// Healthy is true when every registered check passes.
func (r *Registry) Healthy() bool {
	for _, s := range r.Query(nil) {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Query evaluates every check and returns the statuses accepted by filter,
// sorted by name.
func (r *Registry) Query(filter func(Status) bool) []Status {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.now()
	var results []Status
	for _, e := range entries {
		s := Status{Capability: e.cap, Healthy: e.check == nil || e.check(), CheckedAt: now}
		if filter == nil || filter(s) {
			results = append(results, s)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("minerlex.capabilities.healthy",
		metric.WithDescription("1 when the capability is usable, 0 otherwise"))
	if err != nil {
		return err
	}
	r.healthy = gauge
	r.reg, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, s := range r.Query(nil) {
			var v int64
			if s.Healthy {
				v = 1
			}
			attrs := append(s.AttributesAsAttrs(),
				attribute.String("capability", s.Name),
				attribute.String("tier", s.Tier))
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attrs...))
		}
		return nil
	}, gauge)
	return err
}

func WithCapabilityFilter(name string) func(Status) bool {
	return func(s Status) bool { return s.Name == name }
}

func WithTierFilter(tier string) func(Status) bool {
	return func(s Status) bool { return s.Tier == tier }
}

// Unhealthy selects failing capabilities.
func Unhealthy(s Status) bool { return !s.Healthy }

func (c Capability) AttributesAsAttrs() []attribute.KeyValue {
	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, c.Attributes[k]))
	}
	return attrs
}
