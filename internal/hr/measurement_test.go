package hr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Measurement
		wantErr bool
	}{
		{name: "too short", buf: []byte{0x00}, wantErr: true},
		{name: "uint8", buf: []byte{0x00, 72}, want: Measurement{BPM: 72}},
		{name: "uint16", buf: []byte{0x01, 0x2C, 0x01}, want: Measurement{BPM: 300}},
		{name: "uint16 truncated", buf: []byte{0x01, 0x2C}, wantErr: true},
		{
			name: "contact detected",
			buf:  []byte{0x06, 65},
			want: Measurement{BPM: 65, ContactSupported: true, ContactDetected: true},
		},
		{
			name: "rr intervals",
			buf:  []byte{0x10, 70, 0x33, 0x03, 0x47, 0x03},
			want: Measurement{BPM: 70, RRIntervals: []uint16{819, 839}},
		},
		{
			name: "energy and rr",
			buf:  []byte{0x18, 70, 0x10, 0x00, 0x00, 0x04},
			want: Measurement{BPM: 70, EnergyExpended: 16, HasEnergy: true, RRIntervals: []uint16{1024}},
		},
		{name: "energy truncated", buf: []byte{0x08, 70, 0x10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMeasurement(tt.buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeMeasurement_RoundTripsThroughParser(t *testing.T) {
	buf := EncodeMeasurement(142, []uint16{430, 435})
	m, err := ParseMeasurement(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(142), m.BPM)
	assert.Equal(t, []uint16{430, 435}, m.RRIntervals)

	raw := m.ToRawSample(t0)
	assert.Equal(t, uint16(142), raw.BPM)
	assert.Equal(t, t0, raw.Timestamp)
}

func TestParseBatteryLevel(t *testing.T) {
	now := time.Now()
	b, err := ParseBatteryLevel([]byte{14}, now)
	require.NoError(t, err)
	assert.True(t, b.IsLow())

	b, err = ParseBatteryLevel([]byte{15}, now)
	require.NoError(t, err)
	assert.False(t, b.IsLow())

	b, err = ParseBatteryLevel([]byte{250}, now)
	require.NoError(t, err)
	assert.Equal(t, uint8(100), b.Percent)

	_, err = ParseBatteryLevel(nil, now)
	assert.Error(t, err)
}
