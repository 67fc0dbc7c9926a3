// Package stats computes execution statistics for tasks.
//
// Everything here is a pure function over caller-supplied data; there is no
// shared state and no synchronization requirement.
package stats

import (
	"math"
	"sort"
)

// Trend direction labels.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Trend describes how execution volume moved over recent days.
type Trend struct {
	Direction  string  `json:"trend"`
	ChangeRate float64 `json:"change_rate"`
}

// SuccessRate returns the percentage of successful executions rounded to
// two decimals. A zero total is 0, not a division error.
func SuccessRate(total, success int) float64 {
	if total == 0 {
		return 0.0
	}
	return round2(float64(success) / float64(total) * 100)
}

// AverageDuration returns the mean of durations (in seconds) rounded to two
// decimals, or 0 for empty input.
func AverageDuration(durations []float64) float64 {
	if len(durations) == 0 {
		return 0.0
	}
	var sum float64
	for _, d := range durations {
		sum += d
	}
	return round2(sum / float64(len(durations)))
}

// ExecutionTrend classifies recent execution volume. byDate keys are ISO
// dates (yyyy-mm-dd), so lexicographic order is chronological. Fewer than
// two dates is stable by definition. Otherwise the most recent seven dates
// are split into halves and the halves' average counts compared:
// above +10% is increasing, below -10% decreasing, stable in between.
func ExecutionTrend(byDate map[string]int) Trend {
	if len(byDate) < 2 {
		return Trend{Direction: TrendStable, ChangeRate: 0.0}
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	recent := dates
	if len(recent) > 7 {
		recent = recent[len(recent)-7:]
	}

	firstAvg := averageCount(byDate, recent[:len(recent)/2])
	secondAvg := averageCount(byDate, recent[len(recent)/2:])

	var changeRate float64
	switch {
	case firstAvg == 0 && secondAvg > 0:
		changeRate = 100.0
	case firstAvg == 0:
		changeRate = 0.0
	default:
		changeRate = (secondAvg - firstAvg) / firstAvg * 100
	}

	direction := TrendStable
	switch {
	case changeRate > 10:
		direction = TrendIncreasing
	case changeRate < -10:
		direction = TrendDecreasing
	}
	return Trend{Direction: direction, ChangeRate: round2(changeRate)}
}

func averageCount(byDate map[string]int, dates []string) float64 {
	if len(dates) == 0 {
		return 0
	}
	sum := 0
	for _, d := range dates {
		sum += byDate[d]
	}
	return float64(sum) / float64(len(dates))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
