package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
	"github.com/rivo/tview"
)

// sensorState is what the Sensor panel shows
type sensorState struct {
	Status     bt.ConnectionStatus
	HasStatus  bool
	Battery    hr.BatteryLevel
	HasBattery bool
}

// formatDurationMMSS formats a duration as MM:SS, or H:MM:SS past the hour
func formatDurationMMSS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func zoneStatusColor(status zone.Status) string {
	switch status {
	case zone.TooLow:
		return "blue"
	case zone.InZone:
		return "green"
	case zone.TooHigh:
		return "red"
	default:
		return "white"
	}
}

func zoneStatusLabel(status zone.Status) string {
	switch status {
	case zone.TooLow:
		return "TOO LOW"
	case zone.InZone:
		return "IN ZONE"
	case zone.TooHigh:
		return "TOO HIGH"
	default:
		return status.String()
	}
}

func sessionStateColor(state workout.SessionState) string {
	switch state {
	case workout.StateRunning:
		return "green"
	case workout.StatePaused:
		return "yellow"
	case workout.StateCompleted:
		return "aqua"
	case workout.StateStopped:
		return "red"
	default:
		return "gray"
	}
}

func formatHeartRatePanel(p workout.SessionProgress, ok bool) string {
	if !ok {
		return "\n\n  [yellow]Heart Rate[white]\n\n  [gray]No workout running.[white]\n"
	}
	if !p.HasBPM {
		return "\n\n  [gray]Waiting for heart rate...[white]\n"
	}

	text := "\n"
	if p.SignalLost {
		text += fmt.Sprintf("  [red]♥[white] Heart Rate:  [gray]%.0f[white] bpm [red](signal lost)[white]\n\n", p.CurrentBPM)
	} else {
		text += fmt.Sprintf("  [red]♥[white] Heart Rate:  [yellow]%.0f[white] bpm\n\n", p.CurrentBPM)
	}

	color := zoneStatusColor(p.ZoneStatus)
	text += fmt.Sprintf("  [gray]Target:[white]      %s\n", p.Phase.Target)
	text += fmt.Sprintf("  [gray]Status:[white]      [%s]%s[white]\n\n", color, zoneStatusLabel(p.ZoneStatus))

	if p.HasRMSSD {
		text += fmt.Sprintf("  [gray]HRV (RMSSD):[white] [yellow]%.1f[white] ms\n", p.RMSSD)
	} else {
		text += "  [gray]HRV (RMSSD):[white] [gray]--[white]\n"
	}
	return text
}

func formatWorkoutPanel(p workout.SessionProgress, ok bool) string {
	if !ok {
		return "\n  [gray]No workout loaded[white]\n"
	}

	text := "\n"
	text += fmt.Sprintf("  [yellow]%s[white] [%s](%s)[white]\n\n", tview.Escape(p.PlanName), sessionStateColor(p.State), strings.ToUpper(p.State.String()))
	text += fmt.Sprintf("  [gray]Elapsed:[white]   %s\n", formatDurationMMSS(p.TotalElapsed))
	text += fmt.Sprintf("  [gray]Remaining:[white] %s\n\n", formatDurationMMSS(p.TotalRemaining))

	if p.PhaseCount > 0 {
		text += fmt.Sprintf("  [aqua]%s[white] (%d/%d)\n", tview.Escape(p.Phase.Name), p.Phase.Index+1, p.PhaseCount)
		phaseTotal := p.Phase.Elapsed + p.Phase.Remaining
		text += fmt.Sprintf("  [gray]Phase Time:[white] %s / %s\n", formatDurationMMSS(p.Phase.Elapsed), formatDurationMMSS(phaseTotal))
		text += fmt.Sprintf("  [gray]Target HR:[white]  %s\n", p.Phase.Target)
	}

	text += "\n  [gray]─────────────────────────[white]\n"
	switch p.State {
	case workout.StatePaused:
		text += "  [yellow]R[white] Resume  |  [yellow]S[white] Stop  |  [yellow]Q[white] Quit\n"
	case workout.StateRunning:
		text += "  [yellow]P[white] Pause  |  [yellow]S[white] Stop  |  [yellow]Q[white] Quit\n"
	default:
		text += "  [yellow]Q[white] Quit\n"
	}
	return text
}

func formatSensorPanel(s sensorState) string {
	if !s.HasStatus && !s.HasBattery {
		return "\n  [gray]No sensor[white]\n"
	}

	text := "\n"
	if s.HasStatus {
		var line string
		switch s.Status.State {
		case bt.StateConnected:
			line = fmt.Sprintf("[green]●[white] %s", s.Status.DeviceID)
		case bt.StateConnecting:
			line = fmt.Sprintf("[yellow]●[white] Connecting to %s", s.Status.DeviceID)
		case bt.StateReconnecting:
			line = fmt.Sprintf("[yellow]●[white] Reconnecting (attempt %d)", s.Status.Attempt)
		case bt.StateReconnectFailed:
			line = "[red]●[white] Connection lost"
		default:
			line = "[gray]●[white] Disconnected"
		}
		text += "  " + line + "\n"
		if s.Status.Err != nil {
			text += fmt.Sprintf("  [red]%s[white]\n", tview.Escape(s.Status.Err.Error()))
		}
	}
	if s.HasBattery {
		color := "green"
		if s.Battery.IsLow() {
			color = "red"
		}
		text += fmt.Sprintf("  [gray]Battery:[white] [%s]%d%%[white]\n", color, s.Battery.Percent)
	}
	return text
}

// formatDeviceList renders scan results strongest signal first
func formatDeviceList(devices map[string]bt.ScanResult) string {
	if len(devices) == 0 {
		return "\n  [gray]Scanning...[white]\n"
	}
	list := make([]bt.ScanResult, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RSSI != list[j].RSSI {
			return list[i].RSSI > list[j].RSSI
		}
		return list[i].DeviceID < list[j].DeviceID
	})

	text := "\n"
	for _, d := range list {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		text += fmt.Sprintf("  [yellow]%s[white]  %s  [gray]%d dBm[white]\n", tview.Escape(name), d.DeviceID, d.RSSI)
	}
	return text
}

func alertColor(n workout.Notification) string {
	switch n.Kind {
	case workout.NotifyZoneDeviation:
		return zoneStatusColor(n.Deviation)
	case workout.NotifyPhaseTransition, workout.NotifyWorkoutReady:
		return "yellow"
	default:
		return "red"
	}
}

// formatAlerts lists notifications newest first
func formatAlerts(alerts []workout.Notification) string {
	if len(alerts) == 0 {
		return "[gray]No alerts[white]"
	}
	var b strings.Builder
	for i := len(alerts) - 1; i >= 0; i-- {
		n := alerts[i]
		fmt.Fprintf(&b, "[gray]%s[white] [%s]%s[white]\n", n.Timestamp.Format("15:04:05"), alertColor(n), tview.Escape(n.String()))
	}
	return b.String()
}
