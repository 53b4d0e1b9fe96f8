package hr

import "math"

// Physiological bounds for a single beat-to-beat interval in milliseconds
const (
	MinRRMillis = 300.0
	MaxRRMillis = 2000.0
)

// RRToMillis converts an interval reported in 1/1024 s to milliseconds
func RRToMillis(rr uint16) float64 {
	return float64(rr) * 1000.0 / 1024.0
}

// RMSSD returns the root mean square of successive differences of the given
// intervals (ms). It reports false when fewer than two intervals are given.
func RMSSD(intervals []float64) (float64, bool) {
	if len(intervals) < 2 {
		return 0, false
	}
	var sum float64
	for i := 1; i < len(intervals); i++ {
		d := intervals[i] - intervals[i-1]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(intervals)-1)), true
}

// SDNN returns the sample standard deviation of the intervals (ms)
func SDNN(intervals []float64) (float64, bool) {
	if len(intervals) < 2 {
		return 0, false
	}
	var mean float64
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	var sum float64
	for _, v := range intervals {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(intervals)-1)), true
}

// intervalWindow is a fixed capacity ring of intervals, oldest first
type intervalWindow struct {
	buf   []float64
	start int
	size  int
}

func newIntervalWindow(capacity int) *intervalWindow {
	return &intervalWindow{buf: make([]float64, capacity)}
}

func (w *intervalWindow) push(v float64) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = v
		w.size++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

func (w *intervalWindow) values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *intervalWindow) len() int {
	return w.size
}

func (w *intervalWindow) reset() {
	w.start = 0
	w.size = 0
}
