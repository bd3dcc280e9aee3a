package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a config duration field. Empty means "not set" and
// yields zero; negative values are rejected because every duration in
// this config is a timeout or an interval.
func Duration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// DurationOr is Duration with a fallback for unset (or zero) fields.
func DurationOr(field, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
