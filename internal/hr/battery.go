package hr

import (
	"fmt"
	"time"
)

// LowBatteryPercent is the level below which a sensor battery counts as low
const LowBatteryPercent = 15

// BatteryLevel is a sensor battery reading
type BatteryLevel struct {
	Percent   uint8     `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// IsLow reports whether the battery is below LowBatteryPercent
func (b BatteryLevel) IsLow() bool {
	return b.Percent < LowBatteryPercent
}

// ParseBatteryLevel decodes a Battery Level (0x2A19) characteristic value.
// Values above 100 are clamped.
func ParseBatteryLevel(buf []byte, at time.Time) (BatteryLevel, error) {
	if len(buf) < 1 {
		return BatteryLevel{}, fmt.Errorf("battery level data too short: %d bytes", len(buf))
	}
	percent := buf[0]
	if percent > 100 {
		percent = 100
	}
	return BatteryLevel{Percent: percent, Timestamp: at}, nil
}
