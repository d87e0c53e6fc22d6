package util

import (
	"fmt"
	"strconv"
	"strings"
)

// mebibytes per unit suffix; a bare number is bytes.
var memoryUnits = map[string]float64{
	"":  1.0 / (1 << 20),
	"B": 1.0 / (1 << 20),
	"K": 1.0 / (1 << 10),
	"M": 1,
	"G": 1 << 10,
	"T": 1 << 20,
}

// ParseMemory converts a worker memory limit such as "512M" or "2Gi" to
// MiB. Empty means no limit and yields 0.
func ParseMemory(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i < 0 {
		i = len(s)
	}
	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}

	unit := strings.ToUpper(strings.TrimSpace(s[i:]))
	unit = strings.TrimSuffix(strings.TrimSuffix(unit, "B"), "I")
	if unit == "" && strings.HasSuffix(strings.ToUpper(s), "B") {
		unit = "B"
	}
	factor, ok := memoryUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown memory unit in %q", s)
	}
	return int(value * factor), nil
}
