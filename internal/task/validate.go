package task

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"taskd/internal/cron"
)

// Characters never allowed in task names.
var forbiddenNameChars = []rune{'<', '>', '"', '\'', '&', '\\', '/', '|'}

// Ports the platform refuses to hand to tasks.
var reservedPorts = map[int]bool{
	22: true, 23: true, 25: true, 53: true, 80: true,
	110: true, 443: true, 993: true, 995: true,
}

// Validator runs admission checks on task definitions. Pure: no side
// effects, no logging, safe for concurrent use.
type Validator struct {
	cron cron.Evaluator
}

// NewValidator returns a validator that checks cron expressions with eval.
func NewValidator(eval cron.Evaluator) Validator {
	return Validator{cron: eval}
}

// ValidateName checks the task name: non-empty after trimming, 2-255 runes,
// none of the forbidden characters.
func (v Validator) ValidateName(name string) (bool, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false, "task name cannot be empty"
	}
	if utf8.RuneCountInString(trimmed) < 2 {
		return false, "task name must be at least 2 characters"
	}
	if utf8.RuneCountInString(trimmed) > 255 {
		return false, "task name must not exceed 255 characters"
	}
	for _, ch := range forbiddenNameChars {
		if strings.ContainsRune(trimmed, ch) {
			return false, fmt.Sprintf("task name contains forbidden character: %c", ch)
		}
	}
	return true, ""
}

// ValidatePort checks an optional port. nil is valid (no port declared).
func (v Validator) ValidatePort(port *int) (bool, string) {
	if port == nil {
		return true, ""
	}
	p := *port
	if p < 1 || p > 65535 {
		return false, "port must be between 1 and 65535"
	}
	if reservedPorts[p] {
		return false, fmt.Sprintf("port %d is reserved, use another port", p)
	}
	return true, ""
}

// ValidateTask runs all admission checks in a fixed order
// (name, trigger, port, cron) and returns the first failure.
func (v Validator) ValidateTask(name string, trigger TriggerMethod, port *int, cronExpr string) (bool, string) {
	if ok, reason := v.ValidateName(name); !ok {
		return false, reason
	}
	if !trigger.Known() {
		return false, fmt.Sprintf("invalid trigger method: %s", trigger)
	}
	if ok, reason := v.ValidatePort(port); !ok {
		return false, reason
	}
	if trigger == TriggerScheduled {
		if strings.TrimSpace(cronExpr) == "" {
			return false, "scheduled tasks require a cron expression"
		}
		if !v.cron.Validate(cronExpr) {
			return false, "cron expression is malformed"
		}
	}
	return true, ""
}
