package normalizers

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MalformedTimeError is returned when a swim time cannot be parsed into positive seconds.
type MalformedTimeError struct {
	Raw    string
	Reason string
}

func (e *MalformedTimeError) Error() string {
	return fmt.Sprintf("malformed time %q: %s", e.Raw, e.Reason)
}

var (
	secondsPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	minutesPattern = regexp.MustCompile(`^\d+$`)
)

// ParseTime converts "MM:SS.hh" or "SS.hh" into fractional seconds.
func ParseTime(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, &MalformedTimeError{Raw: raw, Reason: "empty"}
	}
	if strings.HasPrefix(s, "-") {
		return 0, &MalformedTimeError{Raw: raw, Reason: "negative"}
	}

	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return 0, &MalformedTimeError{Raw: raw, Reason: "too many components"}
	}

	secondsPart := parts[len(parts)-1]
	if !secondsPattern.MatchString(secondsPart) {
		return 0, &MalformedTimeError{Raw: raw, Reason: "non-numeric seconds"}
	}
	seconds, err := strconv.ParseFloat(secondsPart, 64)
	if err != nil {
		return 0, &MalformedTimeError{Raw: raw, Reason: err.Error()}
	}

	if len(parts) == 2 {
		if !minutesPattern.MatchString(parts[0]) {
			return 0, &MalformedTimeError{Raw: raw, Reason: "non-numeric minutes"}
		}
		if seconds >= 60 {
			return 0, &MalformedTimeError{Raw: raw, Reason: "seconds out of range"}
		}
		minutes, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, &MalformedTimeError{Raw: raw, Reason: err.Error()}
		}
		seconds += float64(minutes) * 60
	}

	if seconds <= 0 {
		return 0, &MalformedTimeError{Raw: raw, Reason: "not positive"}
	}
	return seconds, nil
}

// ParseTime parses with the normalizer; times carry no configurable rules.
func (n *Normalizer) ParseTime(raw string) (float64, error) {
	return ParseTime(raw)
}

// FormatTime renders seconds as "M:SS.hh", or "SS.hh" under a minute.
func FormatTime(seconds float64) string {
	hundredths := int(math.Round(seconds * 100))
	minutes := hundredths / 6000
	rem := hundredths % 6000
	if minutes == 0 {
		return fmt.Sprintf("%d.%02d", rem/100, rem%100)
	}
	return fmt.Sprintf("%d:%02d.%02d", minutes, rem/100, rem%100)
}
