package session

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// ErrUnsupportedFormat is returned for an export format that is not known
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format selects the encoding of an exported session
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatSummary Format = "summary"
)

// Formats lists every supported export format
var Formats = []Format{FormatCSV, FormatJSON, FormatSummary}

// ParseFormat maps a user supplied code to a Format, case-insensitively
func ParseFormat(code string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(code)))
	if err := f.Validate(); err != nil {
		return "", err
	}
	return f, nil
}

func (f Format) Validate() error {
	for _, known := range Formats {
		if f == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}

// Encode renders s in the given format
func Encode(s CompletedSession, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return encodeCSV(s)
	case FormatJSON:
		return json.MarshalIndent(s, "", "  ")
	case FormatSummary:
		return []byte(encodeSummary(s)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(format))
	}
}

func encodeCSV(s CompletedSession) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "bpm", "zone", "filtered_bpm", "rmssd"}); err != nil {
		return nil, err
	}

	maxHR := s.ZoneMaxHR()
	for _, sample := range s.HRSamples {
		zoneName := "Unknown"
		if z, err := zone.Calculate(sample.FilteredBPM, maxHR); err == nil && z != zone.ZoneNone {
			zoneName = z.String()
		}
		rmssd := ""
		if sample.HasRMSSD {
			rmssd = strconv.FormatFloat(sample.RMSSD, 'f', 1, 64)
		}
		record := []string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			strconv.Itoa(int(sample.RawBPM)),
			zoneName,
			strconv.FormatFloat(sample.FilteredBPM, 'f', 1, 64),
			rmssd,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatMinSec(secs uint32) string {
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func encodeSummary(s CompletedSession) string {
	var b strings.Builder

	b.WriteString("Heart Beat Training Session\n")
	b.WriteString("===========================\n\n")

	fmt.Fprintf(&b, "Plan: %s\n", s.PlanName)
	fmt.Fprintf(&b, "Date: %s\n", s.StartTime.Format("January 02, 2006 at 15:04"))
	fmt.Fprintf(&b, "Duration: %s\n", formatMinSec(s.Summary.DurationSecs))
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Phases: %d/%d\n\n", s.PhasesCompleted, s.PhaseCount)

	b.WriteString("Heart Rate Summary\n")
	b.WriteString("------------------\n")
	fmt.Fprintf(&b, "Average: %d BPM\n", s.Summary.AvgHR)
	fmt.Fprintf(&b, "Maximum: %d BPM\n", s.Summary.MaxHR)
	fmt.Fprintf(&b, "Minimum: %d BPM\n\n", s.Summary.MinHR)

	b.WriteString("Time in Zones\n")
	b.WriteString("-------------\n")
	total := s.Summary.DurationSecs
	for i, secs := range s.Summary.TimeInZone {
		z := zone.Zone(i + 1)
		pct := uint32(0)
		if total > 0 {
			pct = uint32(float64(secs) / float64(total) * 100)
		}
		fmt.Fprintf(&b, "Zone %d (%s): %s (%d%%)\n", i+1, z.Description(), formatMinSec(secs), pct)
	}
	return b.String()
}
