package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// MicrosPerUnit is the fixed-point scale of monetary amounts (1e-6 currency).
const MicrosPerUnit = 1_000_000

// Rates are token prices in micro-units per 1000 tokens.
type Rates struct {
	InputPerK  int64
	OutputPerK int64
}

// ParseRates parses decimal currency strings such as "0.0025".
func ParseRates(inputPerK, outputPerK string) (Rates, error) {
	in, err := ParseMicros(inputPerK)
	if err != nil {
		return Rates{}, fmt.Errorf("input rate: %w", err)
	}
	out, err := ParseMicros(outputPerK)
	if err != nil {
		return Rates{}, fmt.Errorf("output rate: %w", err)
	}
	return Rates{InputPerK: in, OutputPerK: out}, nil
}

// Cost returns in/1000*InputPerK + out/1000*OutputPerK in micro-units,
// rounded half-up once at the end.
func (r Rates) Cost(inputTokens, outputTokens int) int64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	milli := int64(inputTokens)*r.InputPerK + int64(outputTokens)*r.OutputPerK
	return (milli + 500) / 1000
}

// ParseMicros converts a non-negative decimal string to micro-units.
// More than six fractional digits is an error rather than a silent rounding.
func ParseMicros(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 decimal places", s)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
	}
	return w*MicrosPerUnit + f, nil
}

// FormatMicros renders micro-units as a six-digit decimal string.
func FormatMicros(m int64) string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%d.%06d", sign, m/MicrosPerUnit, m%MicrosPerUnit)
}
