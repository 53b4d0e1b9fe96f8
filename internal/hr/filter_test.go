package hr

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func sampleAt(bpm uint16, sec int) RawSample {
	return RawSample{BPM: bpm, Timestamp: t0.Add(time.Duration(sec) * time.Second)}
}

func TestSampleFilter_InvalidSampleDoesNotChangeState(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())

	_, err := f.Ingest(sampleAt(0, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSample))
	_, seen := f.Last()
	assert.False(t, seen)

	out, err := f.Ingest(sampleAt(80, 1))
	require.NoError(t, err)
	assert.Equal(t, 80.0, out.FilteredBPM)

	_, err = f.Ingest(sampleAt(0, 2))
	require.ErrorIs(t, err, ErrInvalidSample)

	// the zero reading must not have counted towards warm-up
	for i := 0; i < 2; i++ {
		out, err = f.Ingest(sampleAt(80, 3+i))
		require.NoError(t, err)
		assert.False(t, out.HasRMSSD)
	}
	out, err = f.Ingest(sampleAt(80, 5))
	require.NoError(t, err)
	assert.True(t, out.HasRMSSD)
}

func TestSampleFilter_RMSSDWarmUp(t *testing.T) {
	for _, mode := range []SmoothingMode{SmoothingKalman, SmoothingEMA} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := DefaultFilterConfig()
			cfg.Smoothing = mode
			f := NewSampleFilter(cfg)

			rng := rand.New(rand.NewSource(7))
			for i := 1; i <= 20; i++ {
				bpm := uint16(80 + rng.Intn(41))
				out, err := f.Ingest(sampleAt(bpm, i))
				require.NoError(t, err)
				if i <= 3 {
					assert.False(t, out.HasRMSSD, "sample %d", i)
				} else {
					assert.True(t, out.HasRMSSD, "sample %d", i)
					assert.GreaterOrEqual(t, out.RMSSD, 0.0)
				}
			}
		})
	}
}

func TestSampleFilter_SmoothInputNeverRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		f := NewSampleFilter(DefaultFilterConfig())
		bpm := 60 + rng.Intn(100)
		for i := 0; i < 200; i++ {
			delta := rng.Intn(81) - 40
			next := bpm + delta
			if next < 40 || next > 210 {
				next = bpm - delta
			}
			bpm = next
			out, err := f.Ingest(sampleAt(uint16(bpm), i))
			require.NoError(t, err)
			require.False(t, out.Artifact, "run %d sample %d bpm %d", run, i, bpm)
		}
	}
}

func TestSampleFilter_SingleSpikeCarriesForward(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())

	var last FilteredSample
	for i := 0; i < 5; i++ {
		var err error
		last, err = f.Ingest(sampleAt(100, i))
		require.NoError(t, err)
	}

	spike, err := f.Ingest(sampleAt(160, 5))
	require.NoError(t, err)
	assert.True(t, spike.Artifact)
	assert.Equal(t, last.FilteredBPM, spike.FilteredBPM)
	assert.Equal(t, uint16(160), spike.RawBPM)

	back, err := f.Ingest(sampleAt(101, 6))
	require.NoError(t, err)
	assert.False(t, back.Artifact, "return to the previous level is not a spike")
}

func TestSampleFilter_SustainedStepIsAccepted(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	for i := 0; i < 3; i++ {
		_, err := f.Ingest(sampleAt(90, i))
		require.NoError(t, err)
	}

	first, _ := f.Ingest(sampleAt(150, 3))
	second, _ := f.Ingest(sampleAt(152, 4))

	assert.True(t, first.Artifact)
	assert.False(t, second.Artifact)
	assert.Greater(t, second.FilteredBPM, 100.0)
}

func TestSampleFilter_OutOfRangeIsArtifact(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	_, _ = f.Ingest(sampleAt(200, 0))
	out, err := f.Ingest(sampleAt(235, 1))
	require.NoError(t, err)
	assert.True(t, out.Artifact)
	assert.Equal(t, 200.0, out.FilteredBPM)
}

func TestSampleFilter_OutOfRangeFirstSampleIsDropped(t *testing.T) {
	tests := []struct {
		name  string
		first uint16
	}{
		{"above range", 250},
		{"below range", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSampleFilter(DefaultFilterConfig())
			_, err := f.Ingest(sampleAt(tt.first, 0))
			require.ErrorIs(t, err, ErrInvalidSample)
			_, seen := f.Last()
			assert.False(t, seen)

			for i, bpm := range []uint16{70, 71, 72, 73, 74} {
				out, err := f.Ingest(sampleAt(bpm, 1+i))
				require.NoError(t, err)
				assert.False(t, out.Artifact, "bpm %d", bpm)
				assert.InDelta(t, float64(bpm), out.FilteredBPM, 2.0, "bpm %d", bpm)
				// the dropped reading does not count towards warm-up
				assert.Equal(t, i >= 3, out.HasRMSSD, "bpm %d", bpm)
			}
		})
	}
}

func TestSampleFilter_OutOfRangeAfterReset(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	for i := 0; i < 5; i++ {
		_, err := f.Ingest(sampleAt(150, i))
		require.NoError(t, err)
	}
	f.Reset()

	_, err := f.Ingest(sampleAt(255, 5))
	require.ErrorIs(t, err, ErrInvalidSample)

	out, err := f.Ingest(sampleAt(70, 6))
	require.NoError(t, err)
	assert.False(t, out.Artifact)
	assert.Equal(t, 70.0, out.FilteredBPM)
}

func TestSampleFilter_KalmanConvergesOnNoisyInput(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	var out FilteredSample
	for i, bpm := range []uint16{75, 77, 73, 76, 74, 75, 76, 74, 75} {
		out, _ = f.Ingest(sampleAt(bpm, i))
	}
	assert.InDelta(t, 75.0, out.FilteredBPM, 2.0)
}

func TestSampleFilter_TracksStepChange(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	for i := 0; i < 10; i++ {
		_, _ = f.Ingest(sampleAt(70, i))
	}
	var out FilteredSample
	bpm := 70
	for i := 0; i < 30; i++ {
		if bpm < 140 {
			bpm += 10
		}
		out, _ = f.Ingest(sampleAt(uint16(bpm), 10+i))
	}
	assert.Greater(t, out.FilteredBPM, 130.0)
}

func TestSampleFilter_UsesRRIntervals(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	// 819, 839, 829, 815 in 1/1024 s
	rrs := [][]uint16{{819}, {839}, {829}, {815}}
	var out FilteredSample
	for i, rr := range rrs {
		var err error
		out, err = f.Ingest(RawSample{BPM: 74, RRIntervals: rr, Timestamp: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	require.True(t, out.HasRMSSD)

	expected, ok := RMSSD([]float64{RRToMillis(819), RRToMillis(839), RRToMillis(829), RRToMillis(815)})
	require.True(t, ok)
	assert.InDelta(t, expected, out.RMSSD, 1e-9)
}

func TestSampleFilter_Reset(t *testing.T) {
	f := NewSampleFilter(DefaultFilterConfig())
	for i := 0; i < 5; i++ {
		_, _ = f.Ingest(sampleAt(100, i))
	}
	f.Reset()
	_, seen := f.Last()
	assert.False(t, seen)

	out, err := f.Ingest(sampleAt(60, 10))
	require.NoError(t, err)
	assert.False(t, out.Artifact)
	assert.False(t, out.HasRMSSD)
	assert.Equal(t, 60.0, out.FilteredBPM)
}

func TestFilterConfig_Validate(t *testing.T) {
	cfg := DefaultFilterConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Smoothing = "median"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.WindowSize = 1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SpikeThreshold = 0
	assert.Error(t, bad.Validate())

	assert.Panics(t, func() { NewSampleFilter(bad) })
}
