package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"workescrow/core/events"
	"workescrow/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type and release path.",
			}, []string{"type", "path"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Record increments the counter for one event. Events without a path
// attribute are counted under "none".
func (m *eventMetrics) Record(eventType, path string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	if path = strings.TrimSpace(path); path == "" {
		path = "none"
	}
	m.emitted.WithLabelValues(normalized, path).Inc()
}

type structuredEvent interface {
	Event() *types.Event
}

// EventCounter is an emitter that only counts what passes through it.
type EventCounter struct{}

// Emit implements events.Emitter.
func (EventCounter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	path := ""
	if structured, ok := evt.(structuredEvent); ok {
		if payload := structured.Event(); payload != nil {
			path = payload.Attributes["path"]
		}
	}
	Events().Record(evt.EventType(), path)
}
