package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduit-ai/conduit/internal/router"
)

// Stats tracks gateway usage per tier. Counters are also mirrored to
// OpenTelemetry instruments; without a configured meter provider those
// are no-ops.
type Stats struct {
	TierARequests    int64
	TierBRequests    int64
	ExternalRequests int64
	TotalTokens      int64
	ErrorCount       int64
	InsightEmissions int64

	startTime time.Time

	requests  metric.Int64Counter
	tokens    metric.Int64Counter
	latency   metric.Float64Histogram
	emissions metric.Int64Counter
}

// NewStats creates a stats collector.
func NewStats() *Stats {
	meter := otel.GetMeterProvider().Meter("github.com/conduit-ai/conduit/internal/gateway")

	requests, _ := meter.Int64Counter("conduit.requests",
		metric.WithDescription("Chat completion requests by tier and reason"))
	tokens, _ := meter.Int64Counter("conduit.tokens",
		metric.WithDescription("Total tokens consumed"))
	latency, _ := meter.Float64Histogram("conduit.completion.latency",
		metric.WithDescription("End-to-end completion latency"),
		metric.WithUnit("ms"))
	emissions, _ := meter.Int64Counter("conduit.insight.emissions",
		metric.WithDescription("Insight events emitted"))

	return &Stats{
		startTime: time.Now(),
		requests:  requests,
		tokens:    tokens,
		latency:   latency,
		emissions: emissions,
	}
}

// RecordRequest records a served completion.
func (s *Stats) RecordRequest(ctx context.Context, decision router.Decision, totalTokens int, latencyMs int64) {
	switch decision.Target {
	case router.TierA:
		atomic.AddInt64(&s.TierARequests, 1)
	case router.TierB:
		atomic.AddInt64(&s.TierBRequests, 1)
	case router.ExternalProvider:
		atomic.AddInt64(&s.ExternalRequests, 1)
	}
	atomic.AddInt64(&s.TotalTokens, int64(totalTokens))

	attrs := metric.WithAttributes(
		attribute.String("target", decision.Target.String()),
		attribute.String("reason", decision.Reason.String()),
	)
	s.requests.Add(ctx, 1, attrs)
	s.tokens.Add(ctx, int64(totalTokens), attrs)
	s.latency.Record(ctx, float64(latencyMs), attrs)
}

// RecordError records a failed request.
func (s *Stats) RecordError() {
	atomic.AddInt64(&s.ErrorCount, 1)
}

// RecordInsight records an emitted insight event.
func (s *Stats) RecordInsight(ctx context.Context) {
	atomic.AddInt64(&s.InsightEmissions, 1)
	s.emissions.Add(ctx, 1)
}

// Snapshot returns a point-in-time copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TierARequests:    atomic.LoadInt64(&s.TierARequests),
		TierBRequests:    atomic.LoadInt64(&s.TierBRequests),
		ExternalRequests: atomic.LoadInt64(&s.ExternalRequests),
		TotalTokens:      atomic.LoadInt64(&s.TotalTokens),
		ErrorCount:       atomic.LoadInt64(&s.ErrorCount),
		InsightEmissions: atomic.LoadInt64(&s.InsightEmissions),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}
}

// StatsSnapshot is the wire shape of GET /stats.
type StatsSnapshot struct {
	TierARequests    int64 `json:"tier_a_requests"`
	TierBRequests    int64 `json:"tier_b_requests"`
	ExternalRequests int64 `json:"external_requests"`
	TotalTokens      int64 `json:"total_tokens"`
	ErrorCount       int64 `json:"error_count"`
	InsightEmissions int64 `json:"insight_emissions"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}
