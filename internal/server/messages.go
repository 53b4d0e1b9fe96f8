package server

import (
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

type MessageType string

const (
	MsgSample     MessageType = "sample"
	MsgBattery    MessageType = "battery"
	MsgProgress   MessageType = "progress"
	MsgConnection MessageType = "connection"
	MsgScan       MessageType = "scan"
	// MsgNotification carries biofeedback alerts such as a sustained zone deviation
	MsgNotification MessageType = "notification"
)

// Envelope is the frame pushed to WebSocket clients
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type BatteryPayload struct {
	Percent   uint8     `json:"percent"`
	Low       bool      `json:"low"`
	Timestamp time.Time `json:"timestamp"`
}

func newBatteryPayload(level hr.BatteryLevel) BatteryPayload {
	return BatteryPayload{Percent: level.Percent, Low: level.IsLow(), Timestamp: level.Timestamp}
}

type ConnectionPayload struct {
	State     string    `json:"state"`
	DeviceID  string    `json:"device_id"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newConnectionPayload(status bt.ConnectionStatus) ConnectionPayload {
	p := ConnectionPayload{
		State:     status.State.String(),
		DeviceID:  status.DeviceID,
		Attempt:   status.Attempt,
		Timestamp: status.Timestamp,
	}
	if status.Err != nil {
		p.Error = status.Err.Error()
	}
	return p
}

type PhasePayload struct {
	Index         int         `json:"index"`
	Name          string      `json:"name"`
	ElapsedSecs   float64     `json:"elapsed_secs"`
	RemainingSecs float64     `json:"remaining_secs"`
	Target        zone.Target `json:"target"`
}

// ProgressPayload is SessionProgress with durations in seconds
type ProgressPayload struct {
	SessionID          string       `json:"session_id"`
	PlanName           string       `json:"plan_name"`
	State              string       `json:"state"`
	CurrentBPM         *float64     `json:"current_bpm"`
	RMSSD              *float64     `json:"rmssd"`
	ZoneStatus         string       `json:"zone_status,omitempty"`
	Phase              PhasePayload `json:"phase"`
	PhaseCount         int          `json:"phase_count"`
	TotalElapsedSecs   float64      `json:"total_elapsed_secs"`
	TotalRemainingSecs float64      `json:"total_remaining_secs"`
	SignalLost         bool         `json:"signal_lost"`
	Timestamp          time.Time    `json:"timestamp"`
}

func newProgressPayload(p workout.SessionProgress) ProgressPayload {
	payload := ProgressPayload{
		SessionID: p.SessionID,
		PlanName:  p.PlanName,
		State:     p.State.String(),
		Phase: PhasePayload{
			Index:         p.Phase.Index,
			Name:          p.Phase.Name,
			ElapsedSecs:   p.Phase.Elapsed.Seconds(),
			RemainingSecs: p.Phase.Remaining.Seconds(),
			Target:        p.Phase.Target,
		},
		PhaseCount:         p.PhaseCount,
		TotalElapsedSecs:   p.TotalElapsed.Seconds(),
		TotalRemainingSecs: p.TotalRemaining.Seconds(),
		SignalLost:         p.SignalLost,
		Timestamp:          p.Timestamp,
	}
	if p.HasBPM {
		bpm := p.CurrentBPM
		payload.CurrentBPM = &bpm
		payload.ZoneStatus = p.ZoneStatus.String()
	}
	if p.HasRMSSD {
		rmssd := p.RMSSD
		payload.RMSSD = &rmssd
	}
	return payload
}

type NotificationPayload struct {
	Kind           string       `json:"kind"`
	Message        string       `json:"message"`
	SessionID      string       `json:"session_id,omitempty"`
	PlanName       string       `json:"plan_name,omitempty"`
	Deviation      string       `json:"deviation,omitempty"`
	BPM            *float64     `json:"bpm,omitempty"`
	Target         *zone.Target `json:"target,omitempty"`
	FromPhase      *int         `json:"from_phase,omitempty"`
	ToPhase        *int         `json:"to_phase,omitempty"`
	PhaseName      string       `json:"phase_name,omitempty"`
	BatteryPercent *uint8       `json:"battery_percent,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

func newNotificationPayload(n workout.Notification) NotificationPayload {
	payload := NotificationPayload{
		Kind:      n.Kind.String(),
		Message:   n.String(),
		SessionID: n.SessionID,
		PlanName:  n.PlanName,
		Timestamp: n.Timestamp,
	}
	switch n.Kind {
	case workout.NotifyZoneDeviation:
		bpm, target := n.BPM, n.Target
		payload.Deviation = n.Deviation.String()
		payload.BPM = &bpm
		payload.Target = &target
	case workout.NotifyPhaseTransition:
		from, to := n.FromPhase, n.ToPhase
		payload.FromPhase = &from
		payload.ToPhase = &to
		payload.PhaseName = n.PhaseName
	case workout.NotifyBatteryLow:
		percent := n.BatteryPercent
		payload.BatteryPercent = &percent
	}
	return payload
}
