package workout

import (
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// SessionState is the lifecycle state of a workout session
type SessionState int

const (
	StateIdle SessionState = iota
	StateRunning
	StatePaused
	StateCompleted
	StateStopped
)

var sessionStateNames = map[SessionState]string{
	StateIdle:      "Idle",
	StateRunning:   "Running",
	StatePaused:    "Paused",
	StateCompleted: "Completed",
	StateStopped:   "Stopped",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Active reports whether the state occupies the single session slot
func (s SessionState) Active() bool {
	return s == StateRunning || s == StatePaused
}

// Terminal reports whether no further transition is possible
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateStopped
}

// PhaseProgress is the position within the current phase
type PhaseProgress struct {
	Index     int
	Name      string
	Elapsed   time.Duration
	Remaining time.Duration
	Target    zone.Target
}

// SessionProgress is a snapshot of the active session, emitted on every
// sample and tick. It is a copy; holding it does not pin the session.
type SessionProgress struct {
	SessionID string
	PlanName  string
	State     SessionState

	CurrentBPM float64
	HasBPM     bool
	RMSSD      float64
	HasRMSSD   bool
	// ZoneStatus is meaningful only when HasBPM is set
	ZoneStatus zone.Status

	Phase          PhaseProgress
	PhaseCount     int
	TotalElapsed   time.Duration
	TotalRemaining time.Duration

	// SignalLost is set while the sensor is disconnected; CurrentBPM then is
	// the last value received before the drop
	SignalLost bool
	Timestamp  time.Time
}
