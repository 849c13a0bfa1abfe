package session

import "context"

// MetricsSummary represents aggregated inference attempt insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// MetricsSummary aggregates attempt telemetry across all sessions.
func (r *Registry) MetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if r.deps.Recorder == nil {
		return nil, ErrMetricsDisabled
	}
	aggregation, err := r.deps.Recorder.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
