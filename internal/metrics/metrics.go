// Package metrics provides Prometheus metrics for the bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Dialog metrics
	LoginsTotal  *prometheus.CounterVec
	RepliesTotal *prometheus.CounterVec

	// Proactive delivery
	ProactiveTotal *prometheus.CounterVec

	// Identity cache
	BotCacheWritesTotal *prometheus.CounterVec
}

// New creates a Metrics instance and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodlebot",
			Name:      "turns_total",
			Help:      "Total number of inbound activities handled.",
		}, []string{"type", "status"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moodlebot",
			Name:      "turn_duration_seconds",
			Help:      "Turn processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodlebot",
			Name:      "logins_total",
			Help:      "Login dialog outcomes.",
		}, []string{"result"}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodlebot",
			Name:      "replies_total",
			Help:      "Replies sent to users by kind.",
		}, []string{"kind"}),
		ProactiveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodlebot",
			Name:      "proactive_messages_total",
			Help:      "Proactive webhook deliveries by outcome.",
		}, []string{"outcome"}),
		BotCacheWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moodlebot",
			Name:      "bot_cache_writes_total",
			Help:      "Bot cache write attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.LoginsTotal,
		m.RepliesTotal,
		m.ProactiveTotal,
		m.BotCacheWritesTotal,
	)
	return m
}

// NewNop returns Metrics registered on a private registry, for tests and
// callers that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveTurn records one handled turn.
func (m *Metrics) ObserveTurn(activityType, status string, started time.Time) {
	m.TurnsTotal.WithLabelValues(activityType, status).Inc()
	m.TurnDuration.WithLabelValues(activityType).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
