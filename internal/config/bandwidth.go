package config

import (
	"fmt"
	"strings"
)

// ParseBandwidth parses a rate such as "800k", "8m" or "1g" into bits/sec.
// Units are SI (k=1e3). A bare number is accepted only for zero.
func ParseBandwidth(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" || s == "0.0" {
		return 0, nil
	}
	var multiplier float64
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1e3
	case 'm':
		multiplier = 1e6
	case 'g':
		multiplier = 1e9
	default:
		return 0, fmt.Errorf("bandwidth must include unit suffix (k/m/g): %q", s)
	}
	value, err := parseUnitValue(s[:len(s)-1], s)
	if err != nil {
		return 0, err
	}
	return uint64(value * multiplier), nil
}

// ParseSize parses a byte size such as "65536", "512kb" or "4mb".
// Units are binary here because socket buffers are sized in KiB/MiB.
func ParseSize(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	multiplier := 1.0
	numStr := s
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier = 1 << 10
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "mb"):
		multiplier = 1 << 20
		numStr = s[:len(s)-2]
	}
	value, err := parseUnitValue(numStr, s)
	if err != nil {
		return 0, err
	}
	return int(value * multiplier), nil
}

func parseUnitValue(numStr, raw string) (float64, error) {
	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid value: %q", raw)
	}
	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid value: %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("value cannot be negative: %q", raw)
	}
	return value, nil
}
