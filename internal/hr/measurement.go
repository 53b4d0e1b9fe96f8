package hr

import (
	"fmt"
	"time"
)

// Heart Rate Measurement (0x2A37) flag bits
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
const (
	hrmFlagUint16         = 1 << 0
	hrmFlagContactStatus  = 1 << 1 // bit 1: contact detected, valid when bit 2 set
	hrmFlagContactSupport = 1 << 2
	hrmFlagEnergyExpended = 1 << 3
	hrmFlagRRIntervals    = 1 << 4
)

// Measurement is a decoded Heart Rate Measurement notification
type Measurement struct {
	BPM              uint16
	ContactSupported bool
	ContactDetected  bool
	EnergyExpended   uint16 // kJ, valid when HasEnergy
	HasEnergy        bool
	RRIntervals      []uint16 // 1/1024 s
}

// ToRawSample converts the measurement into a RawSample stamped with at
func (m Measurement) ToRawSample(at time.Time) RawSample {
	return RawSample{
		BPM:         m.BPM,
		RRIntervals: m.RRIntervals,
		Timestamp:   at,
	}
}

// ParseMeasurement decodes a Heart Rate Measurement characteristic value
func ParseMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 2 {
		return Measurement{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	offset := 1
	var m Measurement

	// Bit 0: 0 = UINT8, 1 = UINT16
	if flags&hrmFlagUint16 != 0 {
		if len(buf) < 3 {
			return Measurement{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		m.BPM = uint16(buf[1]) | (uint16(buf[2]) << 8)
		offset = 3
	} else {
		m.BPM = uint16(buf[1])
		offset = 2
	}

	m.ContactSupported = flags&hrmFlagContactSupport != 0
	m.ContactDetected = m.ContactSupported && flags&hrmFlagContactStatus != 0

	if flags&hrmFlagEnergyExpended != 0 {
		if len(buf) < offset+2 {
			return Measurement{}, fmt.Errorf("energy expended field truncated at offset %d", offset)
		}
		m.EnergyExpended = uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		m.HasEnergy = true
		offset += 2
	}

	if flags&hrmFlagRRIntervals != 0 {
		for ; offset+1 < len(buf); offset += 2 {
			m.RRIntervals = append(m.RRIntervals, uint16(buf[offset])|(uint16(buf[offset+1])<<8))
		}
	}

	return m, nil
}

// EncodeMeasurement builds a Heart Rate Measurement value, used by the mock sensor
func EncodeMeasurement(bpm uint16, rrIntervals []uint16) []byte {
	var flags byte
	buf := []byte{0}
	if bpm > 0xFF {
		flags |= hrmFlagUint16
		buf = append(buf, byte(bpm), byte(bpm>>8))
	} else {
		buf = append(buf, byte(bpm))
	}
	if len(rrIntervals) > 0 {
		flags |= hrmFlagRRIntervals
		for _, rr := range rrIntervals {
			buf = append(buf, byte(rr), byte(rr>>8))
		}
	}
	buf[0] = flags
	return buf
}
