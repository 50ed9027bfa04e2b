package mutebot

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// muteDurationUnits maps the accepted single-character suffixes to their
// unit duration.
var muteDurationUnits = map[byte]time.Duration{
	'm': time.Minute,
	'h': time.Hour,
	'd': day,
}

// ParseDuration parses a mute duration of the form "<N><unit>", where N is
// a positive whole number and unit is one of 'm' (minutes), 'h' (hours)
// or 'd' (days). Ex: "30m", "12h", "7d".
//
// Anything else, including an empty string, a zero magnitude or a
// magnitude that would overflow, returns an error wrapping
// [ErrInvalidDuration]. A zero duration is never returned without an error.
func ParseDuration(input string) (time.Duration, error) {
	s := strings.TrimSpace(input)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, input)
	}

	unit, ok := muteDurationUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf(
			"%w: %q (unit must be one of 'm', 'h', 'd')",
			ErrInvalidDuration,
			input,
		)
	}

	magnitude := s[:len(s)-1]
	for _, c := range magnitude {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, input)
		}
	}

	n, err := strconv.ParseInt(magnitude, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, input)
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("%w: %q is too long", ErrInvalidDuration, input)
	}
	return time.Duration(n) * unit, nil
}

// formatMuteDuration renders d using the largest whole unit accepted
// by ParseDuration, falling back to time.Duration's formatting.
func formatMuteDuration(d time.Duration) string {
	switch {
	case d >= day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
