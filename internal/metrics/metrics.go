// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxmatch"

var (
	registry = prometheus.NewRegistry()

	connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Registered connections per channel.",
	}, []string{"channel"})

	connectionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_events_total",
		Help:      "Registry events per channel and type.",
	}, []string{"channel", "event"})

	evicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_evictions_total",
		Help:      "Connections removed by the stale sweeper.",
	})

	rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms with at least one participant.",
	})

	roomLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "room_lifetime_seconds",
		Help:      "Time between a room's first join and its last leave.",
		Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	liveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_live",
		Help:      "Calls that have not reached a terminal status.",
	})

	callTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_transitions_total",
		Help:      "Call status transitions by target status.",
	}, []string{"status"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Talk time of finished calls by call day.",
		Buckets:   []float64{15, 60, 150, 300, 600, 1200, 1800},
	}, []string{"day"})

	unlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_unlocks_total",
		Help:      "Match features unlocked by completed calls.",
	}, []string{"feature"})

	frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Inbound frames by type.",
	}, []string{"type"})

	errorsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_sent_total",
		Help:      "Error frames sent to clients by code.",
	}, []string{"code"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		connections, connectionEvents, evicted,
		rooms, roomLifetime,
		liveCalls, callTransitions, callDuration, unlocks,
		frames, errorsSent,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Gatherer exposes the underlying registry, mostly for tests.
func Gatherer() prometheus.Gatherer { return registry }

func ConnectionEvent(channel, event string) {
	connectionEvents.WithLabelValues(channel, event).Inc()
}

func SetConnections(channel string, n int) {
	connections.WithLabelValues(channel).Set(float64(n))
}

func StaleEvicted(n int) { evicted.Add(float64(n)) }

func SetRooms(n int) { rooms.Set(float64(n)) }

// RoomEnded records the lifetime of a room that just emptied.
func RoomEnded(lifetime time.Duration) {
	roomLifetime.Observe(lifetime.Seconds())
}

func SetLiveCalls(n int) { liveCalls.Set(float64(n)) }

func CallTransition(status string) {
	callTransitions.WithLabelValues(status).Inc()
}

func CallFinished(day string, seconds int) {
	callDuration.WithLabelValues(day).Observe(float64(seconds))
}

func Unlocked(feature string) {
	unlocks.WithLabelValues(feature).Inc()
}

func FrameReceived(frameType string) {
	frames.WithLabelValues(frameType).Inc()
}

func ErrorSent(code string) {
	errorsSent.WithLabelValues(code).Inc()
}
