// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"fmt"
	"time"
)

// parseDuration parses a Go duration string and rejects zero or negative values.
// An empty value yields (0, nil) so callers can apply their default.
func parseDuration(fieldName, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", fieldName, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", fieldName, value)
	}
	return d, nil
}

// TimeoutDuration returns the matrix-wide per-environment timeout, or 0 when unset.
func (s Settings) TimeoutDuration() time.Duration {
	d, _ := parseDuration("timeout", s.Timeout)
	return d
}

// GracePeriodDuration returns the cancellation grace period, or 0 when unset.
func (s Settings) GracePeriodDuration() time.Duration {
	d, _ := parseDuration("grace_period", s.GracePeriod)
	return d
}
