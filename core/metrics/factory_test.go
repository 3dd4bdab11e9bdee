package metrics

import (
	"slices"
	"strings"
	"testing"

	"github.com/kilianp07/feederdispatch/core/factory"
)

func init() {
	_ = RegisterMetricsSink("test-nop", func(map[string]any) (MetricsSink, error) { return NopSink{}, nil })
}

func TestNewMetricsSink(t *testing.T) {
	s, err := NewMetricsSink(nil)
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if _, ok := s.(NopSink); !ok {
		t.Fatalf("expected NopSink, got %T", s)
	}

	s, err = NewMetricsSink([]factory.ModuleConfig{{Type: "test-nop"}, {Type: "test-nop"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ms, ok := s.(*MultiSink); !ok || len(ms.Sinks) != 2 {
		t.Fatalf("expected MultiSink with two sinks, got %T", s)
	}

	if _, err := NewMetricsSink([]factory.ModuleConfig{{Type: "missing"}}); err == nil {
		t.Fatal("expected error for unknown type")
	}

	_, err = NewMetricsSink([]factory.ModuleConfig{{Type: "test-nop"}, {Type: "missing"}})
	if err == nil || !strings.Contains(err.Error(), "metrics sink 1 (missing)") {
		t.Fatalf("expected the failing entry to be named, got %v", err)
	}
	if !slices.Contains(SinkNames(), "test-nop") {
		t.Fatalf("registered sink missing from %v", SinkNames())
	}
}
