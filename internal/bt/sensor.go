package bt

import (
	"context"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
)

// HeartRateSensor is a source of heart rate samples.
//
// Connect returns a sample channel that stays open across transient drops
// (reported as Reconnecting on StatusEvents) and is closed when the link is
// gone for good: after Disconnect or when reconnection gives up.
type HeartRateSensor interface {
	// Scan streams heart rate devices until ctx is done; the channel is then closed
	Scan(ctx context.Context) (<-chan ScanResult, error)
	Connect(ctx context.Context, deviceID string) (<-chan hr.RawSample, error)
	Disconnect() error

	ScanEvents() *events.Broadcaster[ScanResult]
	BatteryEvents() *events.Broadcaster[hr.BatteryLevel]
	StatusEvents() *events.Broadcaster[ConnectionStatus]

	Shutdown()
}

const sampleBufferSize = 32

// sampleSink is the guarded send side of a sensor's sample channel. Sends
// never block a notification callback: when the reader lags the sample is dropped.
type sampleSink struct {
	ch      chan hr.RawSample
	closed  bool
	dropped int
}

func newSampleSink() *sampleSink {
	return &sampleSink{ch: make(chan hr.RawSample, sampleBufferSize)}
}

// send must be called with the owner's lock held
func (s *sampleSink) send(sample hr.RawSample) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- sample:
		return true
	default:
		s.dropped++
		return false
	}
}

// close must be called with the owner's lock held
func (s *sampleSink) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
