package bt

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
)

// MockSensorConfig shapes the synthetic heart rate produced by MockSensor
type MockSensorConfig struct {
	Devices        []ScanResult
	SampleInterval time.Duration

	// BPM follows a cosine between RestingBPM and PeakBPM over Period
	RestingBPM float64
	PeakBPM    float64
	Period     time.Duration
	NoiseBPM   float64

	BatteryStart uint8
	// BatteryDrainEvery is the number of samples per lost battery percent, 0 disables drain
	BatteryDrainEvery int

	// Every DropoutEvery samples the link drops for DropoutSamples samples, 0 disables
	DropoutEvery   int
	DropoutSamples int
	// LoseAfter ends the stream for good after that many samples, 0 disables
	LoseAfter int

	Seed uint64
}

func DefaultMockSensorConfig() MockSensorConfig {
	return MockSensorConfig{
		Devices: []ScanResult{
			{DeviceID: "MOCK-HR-01", Name: "Heart Beat Mock Strap", RSSI: -48},
		},
		SampleInterval:    time.Second,
		RestingBPM:        70,
		PeakBPM:           165,
		Period:            10 * time.Minute,
		NoiseBPM:          2,
		BatteryStart:      100,
		BatteryDrainEvery: 120,
		Seed:              1,
	}
}

type mockLink struct {
	deviceID string
	sink     *sampleSink
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// MockSensor is a HeartRateSensor that needs no Bluetooth hardware
type MockSensor struct {
	config MockSensorConfig
	logger *log.Logger

	mu       sync.Mutex
	link     *mockLink
	rng      *rand.Rand
	battery  uint8
	shutdown bool

	scanEvents    *events.Broadcaster[ScanResult]
	batteryEvents *events.Broadcaster[hr.BatteryLevel]
	statusEvents  *events.Broadcaster[ConnectionStatus]

	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

var _ HeartRateSensor = (*MockSensor)(nil)

func NewMockSensor(config MockSensorConfig, logger *log.Logger) *MockSensor {
	if logger == nil {
		panic("MockSensor: logger cannot be nil")
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = time.Second
	}
	if config.Period <= 0 {
		config.Period = 10 * time.Minute
	}
	if config.PeakBPM < config.RestingBPM {
		config.PeakBPM = config.RestingBPM
	}
	if config.BatteryStart > 100 {
		config.BatteryStart = 100
	}
	return &MockSensor{
		config:        config,
		logger:        logger,
		rng:           rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		battery:       config.BatteryStart,
		scanEvents:    events.NewBroadcaster[ScanResult](events.DefaultBufferSize, false),
		batteryEvents: events.NewBroadcaster[hr.BatteryLevel](events.DefaultBufferSize, true),
		statusEvents:  events.NewBroadcaster[ConnectionStatus](events.DefaultBufferSize, true),
		doneChan:      make(chan struct{}),
	}
}

func (m *MockSensor) ScanEvents() *events.Broadcaster[ScanResult] {
	return m.scanEvents
}

func (m *MockSensor) BatteryEvents() *events.Broadcaster[hr.BatteryLevel] {
	return m.batteryEvents
}

func (m *MockSensor) StatusEvents() *events.Broadcaster[ConnectionStatus] {
	return m.statusEvents
}

func (m *MockSensor) publishStatus(state ConnectionState, deviceID string, attempt int, err error) {
	m.statusEvents.Publish(ConnectionStatus{
		State:     state,
		DeviceID:  deviceID,
		Attempt:   attempt,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// Scan reports every configured device once, then waits for ctx
func (m *MockSensor) Scan(ctx context.Context) (<-chan ScanResult, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: sensor shut down", ErrDeviceUnavailable)
	}
	m.mu.Unlock()

	devices := append([]ScanResult(nil), m.config.Devices...)
	out := make(chan ScanResult, len(devices))
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer close(out)
		for _, device := range devices {
			m.scanEvents.Publish(device)
			select {
			case out <- device:
			case <-ctx.Done():
				return
			case <-m.doneChan:
				return
			}
		}
		select {
		case <-ctx.Done():
		case <-m.doneChan:
		}
	})
	return out, nil
}

func (m *MockSensor) knownDevice(deviceID string) bool {
	for _, device := range m.config.Devices {
		if device.DeviceID == deviceID {
			return true
		}
	}
	return false
}

func (m *MockSensor) Connect(ctx context.Context, deviceID string) (<-chan hr.RawSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if !m.knownDevice(deviceID) {
		return nil, fmt.Errorf("%w: unknown device %s", ErrDeviceUnavailable, deviceID)
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: sensor shut down", ErrDeviceUnavailable)
	}
	if m.link != nil {
		current := m.link.deviceID
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: already connected to %s", ErrDeviceUnavailable, current)
	}
	linkCtx, cancel := context.WithCancel(context.Background())
	link := &mockLink{
		deviceID: deviceID,
		sink:     newSampleSink(),
		cancel:   cancel,
	}
	m.link = link
	battery := m.battery
	m.mu.Unlock()

	m.publishStatus(StateConnecting, deviceID, 0, nil)
	m.publishStatus(StateConnected, deviceID, 0, nil)
	m.batteryEvents.Publish(hr.BatteryLevel{Percent: battery, Timestamp: time.Now()})
	m.logger.Printf("MockSensor: Connected to %s", deviceID)

	go_func_utils.SafeGoWG(m.logger, &link.wg, func() {
		m.generate(linkCtx, link)
	})
	return link.sink.ch, nil
}

// nextMeasurement must be called with mu held
func (m *MockSensor) nextMeasurement(n int) []byte {
	elapsed := time.Duration(n) * m.config.SampleInterval
	phase := 2 * math.Pi * float64(elapsed) / float64(m.config.Period)
	span := m.config.PeakBPM - m.config.RestingBPM
	bpm := m.config.RestingBPM + span*(1-math.Cos(phase))/2
	bpm += m.rng.NormFloat64() * m.config.NoiseBPM
	bpm = math.Max(hr.MinValidBPM, math.Min(hr.MaxValidBPM, bpm))

	// one or two beats per notification, RR in 1/1024 s with a little jitter
	beatMillis := 60000 / bpm
	beats := 1 + m.rng.IntN(2)
	rr := make([]uint16, beats)
	for i := range rr {
		jitter := m.rng.NormFloat64() * 15
		rr[i] = uint16(math.Round((beatMillis + jitter) * 1024 / 1000))
	}
	return hr.EncodeMeasurement(uint16(math.Round(bpm)), rr)
}

func (m *MockSensor) generate(ctx context.Context, link *mockLink) {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	dropoutLeft := 0
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.config.LoseAfter > 0 && n > m.config.LoseAfter {
			m.logger.Printf("MockSensor: Simulating permanent link loss on %s", link.deviceID)
			m.mu.Lock()
			if m.link == link {
				m.link = nil
			}
			link.sink.close()
			m.mu.Unlock()
			m.publishStatus(StateReconnectFailed, link.deviceID, 1, fmt.Errorf("%w: simulated link loss", ErrDeviceUnavailable))
			return
		}

		if dropoutLeft > 0 {
			dropoutLeft--
			if dropoutLeft == 0 {
				m.logger.Printf("MockSensor: Simulated dropout over on %s", link.deviceID)
				m.publishStatus(StateConnected, link.deviceID, 0, nil)
			}
			continue
		}
		if m.config.DropoutEvery > 0 && m.config.DropoutSamples > 0 && n%m.config.DropoutEvery == 0 {
			dropoutLeft = m.config.DropoutSamples
			m.logger.Printf("MockSensor: Simulating dropout on %s", link.deviceID)
			m.publishStatus(StateReconnecting, link.deviceID, 1, nil)
			continue
		}

		m.mu.Lock()
		buf := m.nextMeasurement(n)
		var drained *hr.BatteryLevel
		if m.config.BatteryDrainEvery > 0 && n%m.config.BatteryDrainEvery == 0 && m.battery > 0 {
			m.battery--
			drained = &hr.BatteryLevel{Percent: m.battery, Timestamp: time.Now()}
		}
		m.mu.Unlock()

		// go through the wire format so the mock exercises the same decoder as a strap
		measurement, err := hr.ParseMeasurement(buf)
		if err != nil {
			m.logger.Printf("MockSensor: Parse error: %v", err)
			continue
		}
		m.mu.Lock()
		link.sink.send(measurement.ToRawSample(time.Now()))
		m.mu.Unlock()

		if drained != nil {
			m.batteryEvents.Publish(*drained)
		}
	}
}

func (m *MockSensor) Disconnect() error {
	m.mu.Lock()
	link := m.link
	m.link = nil
	m.mu.Unlock()
	if link == nil {
		return nil
	}

	link.cancel()
	link.wg.Wait()

	m.mu.Lock()
	link.sink.close()
	m.mu.Unlock()

	m.publishStatus(StateDisconnected, link.deviceID, 0, nil)
	m.logger.Printf("MockSensor: Disconnected from %s", link.deviceID)
	return nil
}

func (m *MockSensor) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Println("MockSensor: Shutting down")
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
		close(m.doneChan)

		if err := m.Disconnect(); err != nil {
			m.logger.Printf("MockSensor: %v", err)
		}
		m.wg.Wait()

		m.scanEvents.Close()
		m.batteryEvents.Close()
		m.statusEvents.Close()
		m.logger.Println("MockSensor: Shutdown complete")
	})
}
