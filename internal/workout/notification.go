package workout

import (
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// DefaultDeviationHold is how long heart rate must stay out of the target
// zone before a deviation is reported
const DefaultDeviationHold = 5 * time.Second

// NotificationKind is the type of a biofeedback Notification
type NotificationKind int

const (
	NotifyZoneDeviation NotificationKind = iota
	NotifyPhaseTransition
	NotifyBatteryLow
	NotifyConnectionLost
	NotifyWorkoutReady
)

var notificationKindNames = map[NotificationKind]string{
	NotifyZoneDeviation:   "ZoneDeviation",
	NotifyPhaseTransition: "PhaseTransition",
	NotifyBatteryLow:      "BatteryLow",
	NotifyConnectionLost:  "ConnectionLost",
	NotifyWorkoutReady:    "WorkoutReady",
}

func (k NotificationKind) String() string {
	if name, ok := notificationKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Notification is an alert meant for the athlete. Only the fields that belong
// to Kind are set.
type Notification struct {
	Kind      NotificationKind
	SessionID string
	PlanName  string

	// ZoneDeviation: TooLow or TooHigh after a sustained deviation, InZone on
	// the way back
	Deviation zone.Status
	BPM       float64
	Target    zone.Target

	// PhaseTransition, 0-based indexes
	FromPhase int
	ToPhase   int
	PhaseName string

	// BatteryLow
	BatteryPercent uint8

	Timestamp time.Time
}

func (n Notification) String() string {
	switch n.Kind {
	case NotifyZoneDeviation:
		label := "Back in zone"
		switch n.Deviation {
		case zone.TooLow:
			label = "TOO LOW"
		case zone.TooHigh:
			label = "TOO HIGH"
		}
		return fmt.Sprintf("%s: %.0f bpm (target %s)", label, n.BPM, n.Target)
	case NotifyPhaseTransition:
		return fmt.Sprintf("Phase %d -> %d: %s", n.FromPhase+1, n.ToPhase+1, n.PhaseName)
	case NotifyBatteryLow:
		return fmt.Sprintf("Sensor battery low: %d%%", n.BatteryPercent)
	case NotifyConnectionLost:
		return "Sensor connection lost"
	case NotifyWorkoutReady:
		return fmt.Sprintf("Workout ready: %s", n.PlanName)
	default:
		return n.Kind.String()
	}
}

// deviationTracker reports a zone deviation once it has lasted hold, and the
// return to the zone right away
type deviationTracker struct {
	hold     time.Duration
	reported zone.Status
	pending  zone.Status
	since    time.Time
	tracking bool
}

func newDeviationTracker(hold time.Duration) deviationTracker {
	return deviationTracker{hold: hold, reported: zone.InZone}
}

// check returns the status to report, if any
func (d *deviationTracker) check(status zone.Status, now time.Time) (zone.Status, bool) {
	if status == zone.InZone {
		d.tracking = false
		if d.reported != zone.InZone {
			d.reported = zone.InZone
			return zone.InZone, true
		}
		return zone.InZone, false
	}

	if !d.tracking || d.pending != status {
		d.tracking = true
		d.pending = status
		d.since = now
	}
	if d.reported != status && now.Sub(d.since) >= d.hold {
		d.reported = status
		return status, true
	}
	return status, false
}

// restart forgets how long the current deviation has lasted
func (d *deviationTracker) restart() {
	d.tracking = false
}

// reset also forgets what was reported, as when the target changes
func (d *deviationTracker) reset() {
	d.tracking = false
	d.reported = zone.InZone
}
