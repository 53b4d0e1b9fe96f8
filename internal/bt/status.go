package bt

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDeviceUnavailable wraps every scan or connect failure
var ErrDeviceUnavailable = errors.New("device unavailable")

// GATT identifiers used by heart rate straps
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
	ServiceUUIDBattery           = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel         = "00002a19-0000-1000-8000-00805f9b34fb"
)

// ScanResult is a heart rate device seen while scanning
type ScanResult struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	RSSI     int16  `json:"rssi"`
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateReconnectFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateReconnectFailed:
		return "ReconnectFailed"
	default:
		return "Unknown"
	}
}

// ConnectionStatus is published on every connection state change
type ConnectionStatus struct {
	State    ConnectionState
	DeviceID string
	// Attempt is the reconnection attempt, 1-based, while Reconnecting
	Attempt   int
	Err       error
	Timestamp time.Time
}

func (s ConnectionStatus) String() string {
	switch s.State {
	case StateReconnecting:
		return fmt.Sprintf("%s (attempt %d)", s.State, s.Attempt)
	case StateReconnectFailed:
		if s.Err != nil {
			return fmt.Sprintf("%s: %v", s.State, s.Err)
		}
	}
	return s.State.String()
}

// ReconnectionPolicy is an exponential backoff for re-establishing a lost link
type ReconnectionPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultReconnectionPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     16 * time.Second,
	}
}

// Delay returns the wait before attempt (1-based). Attempt 0 waits nothing.
func (p ReconnectionPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p ReconnectionPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("reconnect attempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must be >= 0")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}
