package workout

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// DefaultMaxHR is the max heart rate built-in plans are computed for
const DefaultMaxHR = session.DefaultMaxHR

func zonePhase(name string, z zone.Zone, secs int) Phase {
	target, err := zone.Bounds(z, DefaultMaxHR)
	if err != nil {
		panic("workout: " + err.Error())
	}
	return Phase{Name: name, Duration: time.Duration(secs) * time.Second, Target: target}
}

// BuiltinPlans returns fresh copies of the bundled plans
func BuiltinPlans() []Plan {
	intervals := []Phase{zonePhase("Warmup", zone.Zone2, 300)}
	for i := 1; i <= 5; i++ {
		intervals = append(intervals,
			zonePhase(fmt.Sprintf("Interval %d - Work", i), zone.Zone5, 180),
			zonePhase(fmt.Sprintf("Interval %d - Recovery", i), zone.Zone2, 120),
		)
	}
	intervals = append(intervals, zonePhase("Cooldown", zone.Zone1, 300))

	return []Plan{
		{
			Name:  "5K Tempo Run",
			MaxHR: DefaultMaxHR,
			Phases: []Phase{
				zonePhase("Warmup", zone.Zone2, 600),
				zonePhase("Tempo", zone.Zone3, 1200),
				zonePhase("Cooldown", zone.Zone1, 600),
			},
		},
		{
			Name:   "Base Endurance",
			MaxHR:  DefaultMaxHR,
			Phases: []Phase{zonePhase("Steady State", zone.Zone2, 2700)},
		},
		{
			Name:   "VO2 Max Intervals",
			MaxHR:  DefaultMaxHR,
			Phases: intervals,
		},
	}
}

// FindBuiltinPlan looks a bundled plan up by name, ignoring case
func FindBuiltinPlan(name string) (Plan, bool) {
	name = strings.TrimSpace(name)
	for _, plan := range BuiltinPlans() {
		if strings.EqualFold(plan.Name, name) {
			return plan, true
		}
	}
	return Plan{}, false
}
