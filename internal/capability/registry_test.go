package capability

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer r.Close()

	var busUp atomic.Bool
	busUp.Store(true)
	r.Register(Capability{Name: "generation", Tier: "openai", Attributes: map[string]string{"model": "gemini-1.5-flash-8b"}}, nil)
	r.Register(Capability{Name: "bus", Tier: "embedded"}, busUp.Load)

	if !r.Healthy() {
		t.Fatalf("expected healthy registry")
	}

	busUp.Store(false)
	if r.Healthy() {
		t.Fatalf("expected unhealthy registry once the bus is down")
	}
	down := r.Query(Unhealthy)
	if len(down) != 1 || down[0].Name != "bus" {
		t.Fatalf("unexpected unhealthy set %+v", down)
	}

	all := r.Query(nil)
	if len(all) != 2 || all[0].Name != "bus" || all[1].Name != "generation" {
		t.Fatalf("expected sorted statuses, got %+v", all)
	}
	if got := r.Query(WithTierFilter("openai")); len(got) != 1 || got[0].Name != "generation" {
		t.Fatalf("tier filter: %+v", got)
	}
	if got := r.Query(WithCapabilityFilter("speech")); len(got) != 0 {
		t.Fatalf("capability filter: %+v", got)
	}
}

func TestAttributesAreSorted(t *testing.T) {
	c := Capability{Attributes: map[string]string{"b": "2", "a": "1"}}
	attrs := c.AttributesAsAttrs()
	if len(attrs) != 2 || string(attrs[0].Key) != "a" || attrs[1].Value.AsString() != "2" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}
