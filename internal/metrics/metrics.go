// Package metrics exposes a Prometheus registry for the watcher core,
// mirroring the teacher's package-level registry idiom
// (internal/provisioner/metrics): collectors live behind a mutex-guarded
// package variable rather than being threaded through every component by
// constructor injection, since the registry itself has no per-request
// state and every component in the process shares one /metrics endpoint.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobTransitions     *prometheus.CounterVec
	watcherEvents      *prometheus.CounterVec
	pollerTickDuration *prometheus.HistogramVec
	telemetrySamples   *prometheus.CounterVec
	telemetryReconnect *prometheus.CounterVec
	inventoryConflicts prometheus.Counter
	dbNotifications    *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobTransition records one lifecycle-engine state change.
func ObserveJobTransition(kind string) {
	label := sanitizeLabel(kind, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(label).Inc()
	}
}

// ObserveWatcherEvent records one processed artifact for a named watcher
// or poller (ingest, autopac, nestpick-handoff, nestpick-unstack,
// stage-sanity, source-sanity, inventory).
func ObserveWatcherEvent(watcher string) {
	label := sanitizeLabel(watcher, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if watcherEvents != nil {
		watcherEvents.WithLabelValues(label).Inc()
	}
}

// ObservePollerTick records how long one poller tick took.
func ObservePollerTick(poller string, duration time.Duration) {
	label := sanitizeLabel(poller, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if pollerTickDuration != nil {
		pollerTickDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// ObserveTelemetrySample records one upserted telemetry reading for a
// machine.
func ObserveTelemetrySample(machine string) {
	label := sanitizeLabel(machine, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if telemetrySamples != nil {
		telemetrySamples.WithLabelValues(label).Inc()
	}
}

// ObserveTelemetryReconnect records one telemetry client reconnect
// attempt for a machine.
func ObserveTelemetryReconnect(machine string) {
	label := sanitizeLabel(machine, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if telemetryReconnect != nil {
		telemetryReconnect.WithLabelValues(label).Inc()
	}
}

// IncInventoryConflict records one sustained allocation-conflict alert.
func IncInventoryConflict() {
	mu.RLock()
	defer mu.RUnlock()
	if inventoryConflicts != nil {
		inventoryConflicts.Inc()
	}
}

// ObserveDBNotification records one debounced DB notification forwarded
// to the UI bus for a channel.
func ObserveDBNotification(channel string) {
	label := sanitizeLabel(channel, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if dbNotifications != nil {
		dbNotifications.WithLabelValues(label).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "lifecycle",
		Name:      "job_transitions_total",
		Help:      "Total lifecycle engine transitions by event kind.",
	}, []string{"kind"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Total artifacts processed by watcher/poller name.",
	}, []string{"watcher"})

	tickDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nestwatcher",
		Subsystem: "poller",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one poller tick by poller name.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"poller"})

	samples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "telemetry",
		Name:      "samples_total",
		Help:      "Total telemetry samples upserted by machine.",
	}, []string{"machine"})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "telemetry",
		Name:      "reconnects_total",
		Help:      "Total telemetry client reconnect attempts by machine.",
	}, []string{"machine"})

	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "inventory",
		Name:      "conflicts_total",
		Help:      "Total sustained allocation-conflict alerts raised.",
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nestwatcher",
		Subsystem: "notify",
		Name:      "db_notifications_total",
		Help:      "Total debounced DB notifications forwarded to the UI bus by channel.",
	}, []string{"channel"})

	registry.MustRegister(transitions, events, tickDuration, samples, reconnects, conflicts, notifications)

	reg = registry
	jobTransitions = transitions
	watcherEvents = events
	pollerTickDuration = tickDuration
	telemetrySamples = samples
	telemetryReconnect = reconnects
	inventoryConflicts = conflicts
	dbNotifications = notifications
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
