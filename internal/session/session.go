package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// Status is the final state of a recorded session
type Status string

const (
	StatusCompleted   Status = "Completed"   // every phase ran to the end
	StatusStopped     Status = "Stopped"     // ended early on request
	StatusInterrupted Status = "Interrupted" // recovered from a checkpoint after a crash
)

// DefaultMaxHR is used for zone statistics when a session carries none
const DefaultMaxHR = 180

// Summary holds the statistics of a session
type Summary struct {
	DurationSecs uint32 `json:"duration_secs"`
	AvgHR        uint16 `json:"avg_hr"`
	MaxHR        uint16 `json:"max_hr"`
	MinHR        uint16 `json:"min_hr"`
	// TimeInZone is seconds spent in Zone1..Zone5, index 0 is Zone1
	TimeInZone [5]uint32 `json:"time_in_zone"`
}

// CompletedSession is the record of a finished workout. It is created once,
// when the workout ends, and never modified afterwards.
type CompletedSession struct {
	ID              string              `json:"id"`
	PlanName        string              `json:"plan_name"`
	StartTime       time.Time           `json:"start_time"`
	EndTime         time.Time           `json:"end_time"`
	Status          Status              `json:"status"`
	HRSamples       []hr.FilteredSample `json:"hr_samples"`
	PhasesCompleted int                 `json:"phases_completed"`
	PhaseCount      int                 `json:"phase_count"`
	MaxHR           uint16              `json:"max_hr"`
	Summary         Summary             `json:"summary"`
}

// SummaryPreview is the lightweight listing view of a CompletedSession
type SummaryPreview struct {
	ID           string    `json:"id"`
	PlanName     string    `json:"plan_name"`
	StartTime    time.Time `json:"start_time"`
	DurationSecs uint32    `json:"duration_secs"`
	AvgHR        uint16    `json:"avg_hr"`
	Status       Status    `json:"status"`
}

// NewID returns a fresh session id
func NewID() string {
	return uuid.NewString()
}

// Preview projects the session to its listing view
func (c CompletedSession) Preview() SummaryPreview {
	return SummaryPreview{
		ID:           c.ID,
		PlanName:     c.PlanName,
		StartTime:    c.StartTime,
		DurationSecs: c.Summary.DurationSecs,
		AvgHR:        c.Summary.AvgHR,
		Status:       c.Status,
	}
}

// ZoneMaxHR is the max heart rate used to place samples in training zones
func (c CompletedSession) ZoneMaxHR() uint16 {
	if c.MaxHR >= zone.MinMaxHR && c.MaxHR <= zone.MaxMaxHR {
		return c.MaxHR
	}
	return DefaultMaxHR
}

// NewSummary computes heart rate statistics over samples.
// Artifact samples are left out of min/max.
func NewSummary(samples []hr.FilteredSample, duration time.Duration, timeInZone [5]uint32) Summary {
	summary := Summary{
		DurationSecs: uint32(duration / time.Second),
		TimeInZone:   timeInZone,
	}

	var sum uint64
	var count uint64
	for _, s := range samples {
		bpm := s.RoundedBPM()
		if bpm == 0 || s.Artifact {
			continue
		}
		sum += uint64(bpm)
		count++
		if bpm > summary.MaxHR {
			summary.MaxHR = bpm
		}
		if summary.MinHR == 0 || bpm < summary.MinHR {
			summary.MinHR = bpm
		}
	}
	if count > 0 {
		summary.AvgHR = uint16(sum / count)
	}
	return summary
}
