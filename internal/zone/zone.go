package zone

import "fmt"

// Status is where a heart rate sits relative to a target range
type Status int

const (
	TooLow Status = iota
	InZone
	TooHigh
)

func (s Status) String() string {
	switch s {
	case TooLow:
		return "TooLow"
	case InZone:
		return "InZone"
	case TooHigh:
		return "TooHigh"
	default:
		return "Unknown"
	}
}

// Evaluate maps bpm against the inclusive range [low, high]
func Evaluate(bpm float64, low, high uint16) Status {
	if bpm < float64(low) {
		return TooLow
	}
	if bpm > float64(high) {
		return TooHigh
	}
	return InZone
}

// Target is an inclusive heart rate range in bpm
type Target struct {
	Low  uint16 `json:"low" yaml:"low"`
	High uint16 `json:"high" yaml:"high"`
}

func (t Target) Evaluate(bpm float64) Status {
	return Evaluate(bpm, t.Low, t.High)
}

// Valid reports whether the range is non-empty
func (t Target) Valid() bool {
	return t.Low < t.High
}

func (t Target) String() string {
	return fmt.Sprintf("%d-%d bpm", t.Low, t.High)
}
