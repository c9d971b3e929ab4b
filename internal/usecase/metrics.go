package usecase

import "context"

// MetricsSummary represents aggregated face-operation insights.
type MetricsSummary struct {
	TotalRequests   int64   `json:"total_requests"`
	MatchedRequests int64   `json:"matched_requests"`
	MatchRate       float64 `json:"match_rate"`
	AverageScore    float64 `json:"average_score"`
}

// GetMetricsSummary aggregates metrics from the persisted face events.
func (uc *FaceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:   aggregation.TotalCount,
		MatchedRequests: aggregation.MatchedCount,
		AverageScore:    aggregation.AverageScore,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
