package bt

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func makeRawSample(bpm uint16) hr.RawSample {
	return hr.RawSample{BPM: bpm, Timestamp: time.Now()}
}

func fastMockConfig() MockSensorConfig {
	config := DefaultMockSensorConfig()
	config.SampleInterval = 5 * time.Millisecond
	config.Period = time.Second
	return config
}

func receiveSample(t *testing.T, ch <-chan hr.RawSample) hr.RawSample {
	t.Helper()
	select {
	case sample, ok := <-ch:
		require.True(t, ok, "sample channel closed unexpectedly")
		return sample
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
	return hr.RawSample{}
}

// waitClosed drains ch until it is closed
func waitClosed(t *testing.T, ch <-chan hr.RawSample) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for sample channel to close")
		}
	}
}

func waitForState(t *testing.T, ch <-chan ConnectionStatus, state ConnectionState) ConnectionStatus {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case status, ok := <-ch:
			require.True(t, ok, "status channel closed before %s", state)
			if status.State == state {
				return status
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestNewMockSensor_NilLoggerPanics(t *testing.T) {
	assert.PanicsWithValue(t, "MockSensor: logger cannot be nil", func() {
		NewMockSensor(DefaultMockSensorConfig(), nil)
	})
}

func TestMockSensor_ScanReportsConfiguredDevices(t *testing.T) {
	sensor := NewMockSensor(fastMockConfig(), newTestLogger())
	defer sensor.Shutdown()

	scanSub := sensor.ScanEvents().Subscribe()
	defer scanSub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	results, err := sensor.Scan(ctx)
	require.NoError(t, err)

	select {
	case result := <-results:
		assert.Equal(t, "MOCK-HR-01", result.DeviceID)
		assert.Equal(t, int16(-48), result.RSSI)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scan result")
	}

	select {
	case result := <-scanSub.C():
		assert.Equal(t, "MOCK-HR-01", result.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("scan result was not broadcast")
	}

	cancel()
	select {
	case _, ok := <-results:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("scan channel not closed after cancel")
	}
}

func TestMockSensor_ConnectUnknownDevice(t *testing.T) {
	sensor := NewMockSensor(fastMockConfig(), newTestLogger())
	defer sensor.Shutdown()

	_, err := sensor.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestMockSensor_ConnectStreamsSamples(t *testing.T) {
	sensor := NewMockSensor(fastMockConfig(), newTestLogger())
	defer sensor.Shutdown()

	samples, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sample := receiveSample(t, samples)
		assert.True(t, hr.IsValidBPM(sample.BPM), "bpm %d", sample.BPM)
		assert.NotEmpty(t, sample.RRIntervals)
		assert.False(t, sample.Timestamp.IsZero())
	}

	_, err = sensor.Connect(context.Background(), "MOCK-HR-01")
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	require.NoError(t, sensor.Disconnect())
	waitClosed(t, samples)

	// a second disconnect is a no-op
	assert.NoError(t, sensor.Disconnect())
}

func TestMockSensor_SameSeedSameCurve(t *testing.T) {
	collect := func() []uint16 {
		sensor := NewMockSensor(fastMockConfig(), newTestLogger())
		defer sensor.Shutdown()
		samples, err := sensor.Connect(context.Background(), "MOCK-HR-01")
		require.NoError(t, err)
		var bpms []uint16
		for i := 0; i < 5; i++ {
			bpms = append(bpms, receiveSample(t, samples).BPM)
		}
		return bpms
	}
	assert.Equal(t, collect(), collect())
}

func TestMockSensor_StatusEvents(t *testing.T) {
	sensor := NewMockSensor(fastMockConfig(), newTestLogger())
	defer sensor.Shutdown()

	statusSub := sensor.StatusEvents().Subscribe()
	defer statusSub.Unsubscribe()

	_, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)
	waitForState(t, statusSub.C(), StateConnecting)
	status := waitForState(t, statusSub.C(), StateConnected)
	assert.Equal(t, "MOCK-HR-01", status.DeviceID)

	require.NoError(t, sensor.Disconnect())
	waitForState(t, statusSub.C(), StateDisconnected)
}

func TestMockSensor_BatteryDrains(t *testing.T) {
	config := fastMockConfig()
	config.BatteryStart = 50
	config.BatteryDrainEvery = 2
	sensor := NewMockSensor(config, newTestLogger())
	defer sensor.Shutdown()

	batterySub := sensor.BatteryEvents().Subscribe()
	defer batterySub.Unsubscribe()

	_, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)

	var levels []uint8
	timeout := time.After(2 * time.Second)
	for len(levels) < 3 {
		select {
		case level := <-batterySub.C():
			levels = append(levels, level.Percent)
		case <-timeout:
			t.Fatalf("timed out, battery levels so far: %v", levels)
		}
	}
	assert.Equal(t, []uint8{50, 49, 48}, levels)
}

func TestMockSensor_Dropout(t *testing.T) {
	config := fastMockConfig()
	config.DropoutEvery = 3
	config.DropoutSamples = 2
	sensor := NewMockSensor(config, newTestLogger())
	defer sensor.Shutdown()

	statusSub := sensor.StatusEvents().Subscribe()
	defer statusSub.Unsubscribe()

	samples, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)
	go func() {
		for range samples {
		}
	}()

	waitForState(t, statusSub.C(), StateConnected)
	status := waitForState(t, statusSub.C(), StateReconnecting)
	assert.Equal(t, 1, status.Attempt)
	waitForState(t, statusSub.C(), StateConnected)
}

func TestMockSensor_LoseAfterClosesStream(t *testing.T) {
	config := fastMockConfig()
	config.LoseAfter = 3
	sensor := NewMockSensor(config, newTestLogger())
	defer sensor.Shutdown()

	statusSub := sensor.StatusEvents().Subscribe()
	defer statusSub.Unsubscribe()

	samples, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)

	count := 0
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case _, ok := <-samples:
			if !ok {
				break loop
			}
			count++
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
	assert.Equal(t, 3, count)

	status := waitForState(t, statusSub.C(), StateReconnectFailed)
	assert.ErrorIs(t, status.Err, ErrDeviceUnavailable)

	// the slot is free again
	samples, err = sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)
	receiveSample(t, samples)
}

func TestMockSensor_ShutdownRejectsNewWork(t *testing.T) {
	sensor := NewMockSensor(fastMockConfig(), newTestLogger())
	samples, err := sensor.Connect(context.Background(), "MOCK-HR-01")
	require.NoError(t, err)

	sensor.Shutdown()
	sensor.Shutdown()
	waitClosed(t, samples)

	_, err = sensor.Connect(context.Background(), "MOCK-HR-01")
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	_, err = sensor.Scan(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
