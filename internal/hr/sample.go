package hr

import (
	"errors"
	"time"
)

// ErrInvalidSample is returned for a raw reading that cannot be a heart rate
var ErrInvalidSample = errors.New("invalid heart rate sample")

// Physiological bounds for a plausible heart rate
const (
	MinValidBPM = 30
	MaxValidBPM = 220
)

// IsValidBPM reports whether bpm lies within the physiological range
func IsValidBPM(bpm uint16) bool {
	return bpm >= MinValidBPM && bpm <= MaxValidBPM
}

// RawSample is a single reading as delivered by the sensor
type RawSample struct {
	BPM uint16
	// RRIntervals holds beat-to-beat intervals in 1/1024 second units, if the
	// sensor reports them.
	RRIntervals []uint16
	Timestamp   time.Time
}

// FilteredSample is the output of SampleFilter.Ingest
type FilteredSample struct {
	RawBPM      uint16    `json:"raw_bpm"`
	FilteredBPM float64   `json:"filtered_bpm"`
	RMSSD       float64   `json:"rmssd,omitempty"`
	HasRMSSD    bool      `json:"has_rmssd"`
	Artifact    bool      `json:"artifact,omitempty"` // raw value rejected, FilteredBPM carried forward
	Timestamp   time.Time `json:"timestamp"`
}

// RoundedBPM returns FilteredBPM as a whole number of beats
func (s FilteredSample) RoundedBPM() uint16 {
	if s.FilteredBPM <= 0 {
		return 0
	}
	return uint16(s.FilteredBPM + 0.5)
}
