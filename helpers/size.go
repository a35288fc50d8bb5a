package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a human-friendly byte size such as "25mb", "1gb" or a
// plain number of bytes. Units are case-insensitive powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "gb"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size '%s': %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative size '%s'", s)
	}
	return int64(value * float64(multiplier)), nil
}
