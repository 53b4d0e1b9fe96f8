package session

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("summary")
	require.NoError(t, err)
	assert.Equal(t, FormatSummary, f)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEncode_CSV(t *testing.T) {
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	cs := makeSession("csv", "Base Endurance", start, 120, 150)
	cs.HRSamples[1].RMSSD = 42.31
	cs.HRSamples[1].HasRMSSD = true

	out, err := Encode(cs, FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"timestamp", "bpm", "zone", "filtered_bpm", "rmssd"}, records[0])
	// 120 of 180 is 66%, 150 of 180 is 83%
	assert.Equal(t, []string{"2024-02-01T10:00:00Z", "120", "Zone2", "120.0", ""}, records[1])
	assert.Equal(t, []string{"2024-02-01T10:00:01Z", "150", "Zone4", "150.0", "42.3"}, records[2])
}

func TestEncode_CSVUnknownZoneBelowRange(t *testing.T) {
	cs := makeSession("low", "Base Endurance", time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), 60)
	out, err := Encode(cs, FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(out), ",60,Unknown,")
}

func TestEncode_JSON(t *testing.T) {
	cs := makeSession("json", "5K Tempo Run", time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), 140)
	out, err := Encode(cs, FormatJSON)
	require.NoError(t, err)

	var decoded CompletedSession
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, cs, decoded)
}

func TestEncode_Summary(t *testing.T) {
	cs := CompletedSession{
		ID:              "sum",
		PlanName:        "5K Tempo Run",
		StartTime:       time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		Status:          StatusStopped,
		PhasesCompleted: 1,
		PhaseCount:      3,
		Summary: Summary{
			DurationSecs: 125,
			AvgHR:        140,
			MaxHR:        162,
			MinHR:        101,
			TimeInZone:   [5]uint32{25, 100, 0, 0, 0},
		},
	}
	out, err := Encode(cs, FormatSummary)
	require.NoError(t, err)

	text := string(out)
	assert.True(t, strings.HasPrefix(text, "Heart Beat Training Session\n"))
	assert.Contains(t, text, "Plan: 5K Tempo Run\n")
	assert.Contains(t, text, "Duration: 2:05\n")
	assert.Contains(t, text, "Status: Stopped\n")
	assert.Contains(t, text, "Phases: 1/3\n")
	assert.Contains(t, text, "Average: 140 BPM\n")
	assert.Contains(t, text, "Zone 1 (Recovery): 0:25 (20%)\n")
	assert.Contains(t, text, "Zone 2 (Fat Burning): 1:40 (80%)\n")
	assert.Contains(t, text, "Zone 5 (Maximum): 0:00 (0%)\n")
}

func TestEncode_Unsupported(t *testing.T) {
	_, err := Encode(CompletedSession{}, Format("xml"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNewSummary(t *testing.T) {
	samples := []hr.FilteredSample{
		{RawBPM: 100, FilteredBPM: 100},
		{RawBPM: 250, FilteredBPM: 100, Artifact: true},
		{RawBPM: 140, FilteredBPM: 139.6},
		{RawBPM: 120, FilteredBPM: 120},
	}
	s := NewSummary(samples, 90*time.Second+500*time.Millisecond, [5]uint32{1, 2, 3, 4, 5})
	assert.Equal(t, uint32(90), s.DurationSecs)
	assert.Equal(t, uint16(100), s.MinHR)
	assert.Equal(t, uint16(140), s.MaxHR)
	assert.Equal(t, uint16(120), s.AvgHR)
	assert.Equal(t, [5]uint32{1, 2, 3, 4, 5}, s.TimeInZone)

	empty := NewSummary(nil, 0, [5]uint32{})
	assert.Equal(t, Summary{}, empty)
}
