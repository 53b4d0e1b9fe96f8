package workout

import "errors"

var (
	// ErrInvalidPlan is returned when a plan fails validation at session start
	ErrInvalidPlan = errors.New("invalid workout plan")
	// ErrSessionAlreadyActive is returned when starting while a session is running or paused
	ErrSessionAlreadyActive = errors.New("a session is already active")
	ErrNotRunning           = errors.New("session is not running")
	ErrNotPaused            = errors.New("session is not paused")
	// ErrNoActiveSession is joined with ErrNotRunning or ErrNotPaused when the slot is empty
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidSchedule is returned for a reminder cron expression that does not parse
	ErrInvalidSchedule = errors.New("invalid reminder schedule")
)
