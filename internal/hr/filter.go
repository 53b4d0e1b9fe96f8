package hr

import (
	"fmt"
	"sync"
)

// SmoothingMode selects the Smoother used by SampleFilter
type SmoothingMode string

const (
	SmoothingKalman SmoothingMode = "kalman"
	SmoothingEMA    SmoothingMode = "ema"
)

// FilterConfig holds the tunables of SampleFilter
type FilterConfig struct {
	Smoothing        SmoothingMode
	SpikeThreshold   uint16 // max bpm delta between consecutive raw samples
	WindowSize       int    // inter-beat intervals kept for RMSSD
	MinRMSSDSamples  int    // samples required before RMSSD is reported
	EMAAlpha         float64
	ProcessNoise     float64
	MeasurementNoise float64
}

// DefaultFilterConfig returns the configuration used when nothing is set
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Smoothing:        SmoothingKalman,
		SpikeThreshold:   40,
		WindowSize:       16,
		MinRMSSDSamples:  4,
		EMAAlpha:         DefaultEMAAlpha,
		ProcessNoise:     DefaultProcessNoise,
		MeasurementNoise: DefaultMeasurementNoise,
	}
}

// Validate checks the configuration for values SampleFilter cannot work with
func (c FilterConfig) Validate() error {
	switch c.Smoothing {
	case SmoothingKalman, SmoothingEMA:
	default:
		return fmt.Errorf("unknown smoothing mode %q", c.Smoothing)
	}
	if c.SpikeThreshold == 0 {
		return fmt.Errorf("spike threshold must be > 0")
	}
	if c.WindowSize < 2 {
		return fmt.Errorf("window size must be >= 2, got %d", c.WindowSize)
	}
	if c.MinRMSSDSamples < 2 {
		return fmt.Errorf("min rmssd samples must be >= 2, got %d", c.MinRMSSDSamples)
	}
	return nil
}

// SampleFilter turns raw sensor readings into smoothed samples with an HRV
// estimate. It is safe for concurrent use, but samples are expected in
// timestamp order from a single producer.
type SampleFilter struct {
	mu       sync.Mutex
	config   FilterConfig
	smoother Smoother
	window   *intervalWindow

	lastRaw         uint16
	lastAcceptedRaw uint16
	lastWasArtifact bool
	lastOutput      float64
	samplesSeen     int
}

// NewSampleFilter creates a SampleFilter. An invalid config panics.
func NewSampleFilter(config FilterConfig) *SampleFilter {
	if err := config.Validate(); err != nil {
		panic("SampleFilter: " + err.Error())
	}
	var smoother Smoother
	switch config.Smoothing {
	case SmoothingEMA:
		smoother = NewEMASmoother(config.EMAAlpha)
	default:
		smoother = NewKalmanSmoother(config.ProcessNoise, config.MeasurementNoise)
	}
	return &SampleFilter{
		config:   config,
		smoother: smoother,
		window:   newIntervalWindow(config.WindowSize),
	}
}

// Ingest consumes one raw reading.
// A zero bpm returns ErrInvalidSample and leaves the filter untouched, as does
// an out-of-range reading before any reading was accepted.
// A reading outside the physiological range, or one that jumps more than
// SpikeThreshold from the last accepted reading, is treated as a sensor
// artifact: the previous filtered value is carried forward and the returned
// sample is flagged. RMSSD is reported once MinRMSSDSamples samples were seen.
func (f *SampleFilter) Ingest(raw RawSample) (FilteredSample, error) {
	if raw.BPM == 0 {
		return FilteredSample{}, fmt.Errorf("%w: bpm is 0", ErrInvalidSample)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// nothing to carry forward yet, so an implausible first reading can only be dropped
	if !f.seeded() && !IsValidBPM(raw.BPM) {
		return FilteredSample{}, fmt.Errorf("%w: first bpm %d outside %d-%d", ErrInvalidSample, raw.BPM, MinValidBPM, MaxValidBPM)
	}

	out := FilteredSample{
		RawBPM:    raw.BPM,
		Timestamp: raw.Timestamp,
	}

	if f.isArtifact(raw.BPM) {
		out.Artifact = true
		out.FilteredBPM = f.lastOutput
	} else {
		out.FilteredBPM = f.smoother.Update(float64(raw.BPM))
		f.lastAcceptedRaw = raw.BPM
	}
	f.lastRaw = raw.BPM
	f.lastWasArtifact = out.Artifact
	f.lastOutput = out.FilteredBPM
	f.samplesSeen++

	f.pushIntervals(raw, out)

	if f.samplesSeen >= f.config.MinRMSSDSamples {
		out.RMSSD, out.HasRMSSD = RMSSD(f.window.values())
	}
	return out, nil
}

// isArtifact must be called with mu held.
// A jump is only an artifact while it is isolated: a reading that agrees with
// the previous (rejected) reading is taken as a real change of level.
func (f *SampleFilter) isArtifact(bpm uint16) bool {
	if !IsValidBPM(bpm) {
		return true
	}
	if !f.seeded() {
		return false
	}
	threshold := int(f.config.SpikeThreshold)
	if absDiff(bpm, f.lastAcceptedRaw) <= threshold {
		return false
	}
	if f.lastWasArtifact && IsValidBPM(f.lastRaw) && absDiff(bpm, f.lastRaw) <= threshold {
		return false
	}
	return true
}

// seeded must be called with mu held. It reports whether a reading was accepted since the last Reset.
func (f *SampleFilter) seeded() bool {
	return f.lastAcceptedRaw != 0
}

func absDiff(a, b uint16) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

// pushIntervals must be called with mu held.
// Sensor RR intervals are preferred; without plausible ones an interval is
// derived from the accepted heart rate so the window grows on every sample.
func (f *SampleFilter) pushIntervals(raw RawSample, out FilteredSample) {
	pushed := 0
	if !out.Artifact {
		for _, rr := range raw.RRIntervals {
			ms := RRToMillis(rr)
			if ms < MinRRMillis || ms > MaxRRMillis {
				continue
			}
			f.window.push(ms)
			pushed++
		}
	}
	if pushed > 0 {
		return
	}
	bpm := float64(raw.BPM)
	if out.Artifact || !IsValidBPM(raw.BPM) {
		bpm = out.FilteredBPM
	}
	if bpm > 0 {
		f.window.push(60000.0 / bpm)
	}
}

// Last returns the most recent filtered value and whether any sample was seen
func (f *SampleFilter) Last() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOutput, f.samplesSeen > 0
}

// Reset clears all history, as when a new sensor is connected
func (f *SampleFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smoother.Reset()
	f.window.reset()
	f.lastRaw = 0
	f.lastAcceptedRaw = 0
	f.lastWasArtifact = false
	f.lastOutput = 0
	f.samplesSeen = 0
}

// Config returns the configuration the filter was built with
func (f *SampleFilter) Config() FilterConfig {
	return f.config
}
