package remediation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// durationRE matches LAPI duration strings such as "4h0m0s", "-1h0m0s"
// and "0.105s". Minutes may appear without hours, but hours always carry
// minutes; the seconds base is mandatory and may have a fractional part;
// a trailing "ms" unit scales the total by 1/1000.
var durationRE = regexp.MustCompile(`^(-)?(?:(?:(\d+)h)?(\d+)m)?(\d+)(?:\.(\d+))?(m?)s$`)

// ParseError is returned for duration strings that do not match the
// LAPI duration grammar.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable duration %q", e.Input)
}

// ParseDuration converts a LAPI duration string into whole seconds.
// The milliseconds suffix is only accepted together with an explicit
// fractional part ("500.0ms" is valid, "500ms" is not) and the result
// is rounded to the nearest integer second, ties to even.
func ParseDuration(s string) (int64, error) {
	m := durationRE.FindStringSubmatch(s)
	if m == nil {
		return 0, &ParseError{Input: s}
	}

	sign, hours, minutes, seconds, fraction, milli := m[1], m[2], m[3], m[4], m[5], m[6]
	if milli == "m" && fraction == "" {
		return 0, &ParseError{Input: s}
	}

	var total float64
	if hours != "" {
		h, err := strconv.ParseFloat(hours, 64)
		if err != nil {
			return 0, &ParseError{Input: s}
		}
		total += h * 3600
	}
	if minutes != "" {
		min, err := strconv.ParseFloat(minutes, 64)
		if err != nil {
			return 0, &ParseError{Input: s}
		}
		total += min * 60
	}

	secs := seconds
	if fraction != "" {
		secs = seconds + "." + fraction
	}
	sec, err := strconv.ParseFloat(secs, 64)
	if err != nil {
		return 0, &ParseError{Input: s}
	}
	total += sec

	if milli == "m" {
		total *= 0.001
	}
	if sign == "-" {
		total = -total
	}

	return int64(math.RoundToEven(total)), nil
}
