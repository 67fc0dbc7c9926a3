package record

import (
	"context"

	"taskd/internal/stats"
	"taskd/internal/storage"
)

// Summary aggregates the persisted history of one task (or of all tasks
// when queried with an empty id).
//
// Cancelled runs count toward Total but not toward the success rate:
// a deliberate stop is neither a success nor a failure. Their truncated
// durations are likewise excluded from the average.
type Summary struct {
	Total       int         `json:"total_executions"`
	Succeeded   int         `json:"successful_executions"`
	Failed      int         `json:"failed_executions"`
	Cancelled   int         `json:"cancelled_executions"`
	SuccessRate float64     `json:"success_rate"`
	AvgDuration float64     `json:"average_duration_seconds"`
	Trend       stats.Trend `json:"execution_trend"`
}

// Stats computes the Summary for taskID from the store.
func (r *Recorder) Stats(ctx context.Context, taskID string) (Summary, error) {
	if r.store == nil {
		return Summary{}, storage.ErrDisabled
	}

	recs, err := r.store.Records(ctx, taskID, 0)
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	durations := make([]float64, 0, len(recs))
	for _, rec := range recs {
		s.Total++
		switch {
		case rec.Cancelled:
			s.Cancelled++
		case rec.Success:
			s.Succeeded++
			durations = append(durations, rec.DurationSeconds)
		default:
			s.Failed++
			durations = append(durations, rec.DurationSeconds)
		}
	}
	s.SuccessRate = stats.SuccessRate(s.Total-s.Cancelled, s.Succeeded)
	s.AvgDuration = stats.AverageDuration(durations)

	// Trend wants the most recent dates that have data, so the window is
	// unbounded here; ExecutionTrend trims to its own horizon.
	counts, err := r.store.CountsByDay(ctx, taskID, 0)
	if err != nil {
		return Summary{}, err
	}
	s.Trend = stats.ExecutionTrend(counts)
	return s, nil
}
