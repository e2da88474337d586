package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gate_bridge",
			Subsystem: "link",
			Name:      "state",
			Help:      "Current link state (0=closed 1=opening 2=open 3=reconnecting).",
		},
		[]string{"link"},
	)
	linkReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Reconnect timers armed per link.",
		},
		[]string{"link"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames decoded per link.",
		},
		[]string{"link", "result"},
	)
	linkCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Correlated command outcomes per link.",
		},
		[]string{"link", "outcome"},
	)
	cardEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "card",
			Name:      "events_total",
			Help:      "Card events decoded, by card type and relay result.",
		},
		[]string{"card_type", "relayed"},
	)
	loopRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "loop",
			Name:      "runs_total",
			Help:      "Loop transaction runs by outcome.",
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gate_bridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"gate_mode", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gate_bridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gate_mode", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			linkState, linkReconnects, linkFrames, linkCommands,
			cardEvents, loopRuns, httpRequests, httpDuration,
		)
	})
}

func RecordLinkState(link string, state int) {
	RegisterMetrics()
	linkState.WithLabelValues(link).Set(float64(state))
}

func RecordReconnect(link string) {
	RegisterMetrics()
	linkReconnects.WithLabelValues(link).Inc()
}

func RecordFrames(link string, decoded, corrupt int) {
	RegisterMetrics()
	if decoded > 0 {
		linkFrames.WithLabelValues(link, "ok").Add(float64(decoded))
	}
	if corrupt > 0 {
		linkFrames.WithLabelValues(link, "corrupt").Add(float64(corrupt))
	}
}

func RecordCommand(link, outcome string) {
	RegisterMetrics()
	linkCommands.WithLabelValues(link, outcome).Inc()
}

func RecordCardEvent(cardType string, relayed bool) {
	RegisterMetrics()
	cardEvents.WithLabelValues(cardType, strconv.FormatBool(relayed)).Inc()
}

func RecordLoopRun(outcome string) {
	RegisterMetrics()
	loopRuns.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(gateMode, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(gateMode, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(gateMode, method, path, statusLabel).Observe(duration.Seconds())
}
