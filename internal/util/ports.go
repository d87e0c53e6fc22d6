package util

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of tcp ports.
type PortRange struct {
	Low  int
	High int
}

// ParsePortRange parses a range written as "low-high" (e.g., "2810-2890").
// A single port is accepted as a range of one.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, fmt.Errorf("empty port range")
	}

	lowStr, highStr, found := strings.Cut(s, "-")
	if !found {
		highStr = lowStr
	}

	low, err := strconv.Atoi(strings.TrimSpace(lowStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(highStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}

	if low < 1 || high > 65535 || low > high {
		return PortRange{}, fmt.Errorf("invalid port range %q: must satisfy 1 <= low <= high <= 65535", s)
	}
	return PortRange{Low: low, High: high}, nil
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.High - r.Low + 1
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// Random draws a port uniformly from the range.
func (r PortRange) Random() int {
	return r.Low + rand.IntN(r.Size())
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}
