package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration converts the duration-string config field at path, falling
// back to def when the field is blank or zero. Negative values are invalid.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
