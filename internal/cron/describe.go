package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known expressions get a fixed rendering; everything else goes through
// the field-by-field builder below.
var commonPatterns = map[string]string{
	"0 0 * * *":   "daily at midnight",
	"0 0 * * 0":   "Sundays at midnight",
	"0 0 1 * *":   "monthly on day 1 at midnight",
	"0 0 1 1 *":   "yearly on January 1 at midnight",
	"*/5 * * * *": "every 5 minutes",
	"0 */2 * * *": "every 2 hours",
	"0 9 * * 1-5": "weekdays at 09:00",
}

var weekdayNames = map[string]string{
	"0": "Sundays",
	"1": "Mondays",
	"2": "Tuesdays",
	"3": "Wednesdays",
	"4": "Thursdays",
	"5": "Fridays",
	"6": "Saturdays",
}

// Describe renders expr for humans. Best effort: well-known patterns and
// simple numeric schedules get a friendly phrase, anything else echoes the
// raw expression. Never fails.
func (e Evaluator) Describe(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if !e.Validate(trimmed) {
		return "invalid cron expression"
	}
	if d, ok := commonPatterns[trimmed]; ok {
		return d
	}
	if d, ok := describeFields(trimmed); ok {
		return d
	}
	return "custom schedule: " + expr
}

func describeFields(expr string) (string, bool) {
	f := strings.Fields(expr)
	if len(f) != 5 {
		return "", false
	}
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]

	// Interval forms only make sense without date/weekday constraints.
	if dom == "*" && month == "*" && dow == "*" {
		switch {
		case minute == "*" && hour == "*":
			return "every minute", true
		case strings.HasPrefix(minute, "*/") && hour == "*" && allDigits(minute[2:]):
			return "every " + minute[2:] + " minutes", true
		case allDigits(minute) && strings.HasPrefix(hour, "*/") && allDigits(hour[2:]):
			return "every " + hour[2:] + " hours", true
		case allDigits(minute) && hour == "*":
			return "hourly at minute " + minute, true
		}
	}

	// Fixed time of day, optionally narrowed by day-of-month or weekday.
	if !allDigits(minute) || !allDigits(hour) {
		return "", false
	}
	at := clockTime(hour, minute)

	switch {
	case dom == "*" && month == "*" && dow == "*":
		return "daily at " + at, true
	case dom == "*" && month == "*":
		if name, ok := weekdayNames[dow]; ok {
			return name + " at " + at, true
		}
		if strings.Contains(dow, "-") {
			return "weekdays at " + at, true
		}
	case allDigits(dom) && month == "*" && dow == "*":
		return "monthly on day " + dom + " at " + at, true
	case allDigits(dom) && allDigits(month) && dow == "*":
		return "yearly on " + month + "/" + dom + " at " + at, true
	}
	return "", false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func clockTime(hour, minute string) string {
	h, _ := strconv.Atoi(hour)
	m, _ := strconv.Atoi(minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
