package workout

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// MaxPlanDuration is the longest plan accepted
const MaxPlanDuration = 4 * time.Hour

// Phase is a timed segment of a plan with its own target heart rate range
type Phase struct {
	Name     string
	Duration time.Duration
	Target   zone.Target
}

// Plan is an ordered list of phases. It is not modified once a session starts.
type Plan struct {
	Name   string
	Phases []Phase
	// MaxHR is used for training zone statistics, 0 means the default
	MaxHR uint16
}

// TotalDuration returns the sum of all phase durations
func (p Plan) TotalDuration() time.Duration {
	var total time.Duration
	for _, phase := range p.Phases {
		total += phase.Duration
	}
	return total
}

// Validate returns an error wrapping ErrInvalidPlan describing the first problem found
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: plan name is empty", ErrInvalidPlan)
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("%w: plan %q has no phases", ErrInvalidPlan, p.Name)
	}
	if p.MaxHR != 0 && (p.MaxHR < zone.MinMaxHR || p.MaxHR > zone.MaxMaxHR) {
		return fmt.Errorf("%w: max heart rate %d out of range %d-%d", ErrInvalidPlan, p.MaxHR, zone.MinMaxHR, zone.MaxMaxHR)
	}
	for i, phase := range p.Phases {
		if phase.Duration <= 0 {
			return fmt.Errorf("%w: phase %d (%s) has non-positive duration %s", ErrInvalidPlan, i, phase.Name, phase.Duration)
		}
		if !phase.Target.Valid() {
			return fmt.Errorf("%w: phase %d (%s) has zone low %d >= high %d", ErrInvalidPlan, i, phase.Name, phase.Target.Low, phase.Target.High)
		}
		if !hr.IsValidBPM(phase.Target.Low) || !hr.IsValidBPM(phase.Target.High) {
			return fmt.Errorf("%w: phase %d (%s) zone %s outside %d-%d bpm", ErrInvalidPlan, i, phase.Name, phase.Target, hr.MinValidBPM, hr.MaxValidBPM)
		}
	}
	if total := p.TotalDuration(); total > MaxPlanDuration {
		return fmt.Errorf("%w: total duration %s exceeds %s", ErrInvalidPlan, total, MaxPlanDuration)
	}
	return nil
}

// ZoneMaxHR returns MaxHR or the default when unset
func (p Plan) ZoneMaxHR() uint16 {
	if p.MaxHR == 0 {
		return DefaultMaxHR
	}
	return p.MaxHR
}
