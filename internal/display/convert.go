package display

import (
	"fmt"
	"math"
)

// WrapYaw folds an angle into [-180, 180] by whole turns. Values already in
// range, including both -180 and +180, are returned unchanged.
// Larger values fold towards zero, so 540 gives 180 and -540 gives -180.
// Non-finite input yields 0.
func WrapYaw(deg float64) float64 {
	switch {
	case math.IsNaN(deg) || math.IsInf(deg, 0):
		return 0
	case deg > 180:
		r := math.Mod(deg-180, 360)
		if r == 0 {
			return 180
		}
		return r - 180
	case deg < -180:
		r := math.Mod(deg+180, 360)
		if r == 0 {
			return -180
		}
		return r + 180
	}
	return deg
}

// Tier is the battery severity bucket
type Tier int

const (
	TierCritical Tier = iota
	TierLow
	TierFair
	TierGood
)

func (t Tier) String() string {
	switch t {
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierLow:
		return "low"
	default:
		return "critical"
	}
}

// SeverityTier maps a battery percentage to its tier
func SeverityTier(percent int64) Tier {
	switch {
	case percent >= 75:
		return TierGood
	case percent >= 50:
		return TierFair
	case percent >= 25:
		return TierLow
	default:
		return TierCritical
	}
}

// History is a bounded rolling buffer of samples, oldest first
type History struct {
	max    int
	values []float64
}

// NewHistory creates a buffer holding at most max samples
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max, values: make([]float64, 0, max)}
}

// Add appends v, evicting the oldest sample on overflow
func (h *History) Add(v float64) {
	if len(h.values) == h.max {
		copy(h.values, h.values[1:])
		h.values = h.values[:h.max-1]
	}
	h.values = append(h.values, v)
}

// Values returns a copy of the samples
func (h *History) Values() []float64 {
	return append([]float64(nil), h.values...)
}

// Len returns the number of samples held
func (h *History) Len() int { return len(h.values) }

// MarshalText renders the tier name in JSON output
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name
func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "good":
		*t = TierGood
	case "fair":
		*t = TierFair
	case "low":
		*t = TierLow
	case "critical":
		*t = TierCritical
	default:
		return fmt.Errorf("unknown battery tier %q", b)
	}
	return nil
}
