package tui

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width values scaled between lo and hi
func Sparkline(values []float64, lo, hi float64, width int) string {
	if width > 0 && len(values) > width {
		values = values[len(values)-width:]
	}
	if hi <= lo {
		hi = lo + 1
	}
	out := make([]rune, len(values))
	top := float64(len(sparkRunes) - 1)
	for i, v := range values {
		f := (v - lo) / (hi - lo)
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		out[i] = sparkRunes[int(f*top+0.5)]
	}
	return string(out)
}
