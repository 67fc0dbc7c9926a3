// Package cron evaluates five-field cron expressions (minute hour dom month dow).
//
// The evaluator is stateless and safe for concurrent use. Malformed
// expressions are normal negative results here, never errors: admission
// checks call Validate on user input all the time and expect a cheap bool.
package cron

import (
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Evaluator parses schedule expressions and computes fire times.
type Evaluator struct {
	parser cronv3.Parser
}

// New returns an evaluator for the standard five-field grammar.
// Descriptors (@daily, @every 1h) are accepted as well.
func New() Evaluator {
	return Evaluator{
		parser: cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor),
	}
}

// Validate reports whether expr parses. Empty or whitespace-only input is
// invalid.
func (e Evaluator) Validate(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}
	_, err := e.parser.Parse(expr)
	return err == nil
}

// NextRunTime returns the earliest time strictly after base that satisfies
// expr. ok is false when the expression is invalid or the schedule has no
// future activation.
func (e Evaluator) NextRunTime(expr string, base time.Time) (time.Time, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, false
	}
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(base)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
