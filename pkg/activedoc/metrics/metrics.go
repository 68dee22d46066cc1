// Package metrics holds the Prometheus collectors and OpenTelemetry tracer
// shared by the rule engine, the broadcast hub and the HTTP server.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("activedoc")

var (
	// evaluationDuration tracks a single rule evaluated against a single file.
	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activedoc_evaluation_duration_seconds",
		Help:    "Duration of evaluating one rule against one source file",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"language"})

	// snippetsTotal counts classified snippets by outcome.
	snippetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activedoc_snippets_total",
		Help: "Total snippets classified by outcome",
	}, []string{"outcome"})

	// providerErrors counts match provider failures that were treated as no matches.
	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activedoc_provider_errors_total",
		Help: "Match provider failures by reason",
	}, []string{"reason"})

	// refreshTotal counts rule table refreshes and targeted updates.
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activedoc_refresh_total",
		Help: "Rule table updates by kind",
	}, []string{"kind"})

	refreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activedoc_refresh_duration_seconds",
		Help:    "Duration of rule table updates",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	rulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "activedoc_rules",
		Help: "Number of valid rules in the current table",
	})

	ruleTableErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activedoc_rule_table_errors_total",
		Help: "Rule table loads that failed to produce a table",
	})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "activedoc_ws_clients",
		Help: "Connected WebSocket clients",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activedoc_ws_messages_total",
		Help: "WebSocket messages handed to clients by topic",
	}, []string{"topic"})

	droppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activedoc_ws_dropped_clients_total",
		Help: "Clients closed because a send failed or their queue was full",
	})
)

// StartSpan starts a span on the shared tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordEvaluation records one rule evaluated against one file.
func RecordEvaluation(language string, d time.Duration, satisfied, violated int) {
	evaluationDuration.WithLabelValues(language).Observe(d.Seconds())
	snippetsTotal.WithLabelValues("satisfied").Add(float64(satisfied))
	snippetsTotal.WithLabelValues("violated").Add(float64(violated))
}

// RecordProviderError counts a provider failure. reason is a short fixed
// label such as "error", "panic" or "timeout".
func RecordProviderError(reason string) {
	providerErrors.WithLabelValues(reason).Inc()
}

// RecordRefresh records a rule table update. kind is "full" or "file".
func RecordRefresh(kind string, d time.Duration) {
	refreshTotal.WithLabelValues(kind).Inc()
	refreshDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetRules reports the size of the current rule table.
func SetRules(n int) {
	rulesLoaded.Set(float64(n))
}

// RecordRuleTableError counts a failed rule table load.
func RecordRuleTableError() {
	ruleTableErrors.Inc()
}

// SetClients reports the number of connected clients.
func SetClients(n int) {
	connectedClients.Set(float64(n))
}

// RecordSend counts n messages handed to clients for topic.
func RecordSend(topic string, n int) {
	messagesSent.WithLabelValues(topic).Add(float64(n))
}

// RecordDroppedClient counts a client removed after a failed send.
func RecordDroppedClient() {
	droppedClients.Inc()
}
