package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
)

type BLESensorConfig struct {
	ConnectTimeout time.Duration
	BatteryPoll    time.Duration
	Reconnect      ReconnectionPolicy
}

func DefaultBLESensorConfig() BLESensorConfig {
	return BLESensorConfig{
		ConnectTimeout: 10 * time.Second,
		BatteryPoll:    60 * time.Second,
		Reconnect:      DefaultReconnectionPolicy(),
	}
}

// bleLink is one Connect call's worth of state. It outlives transient drops.
type bleLink struct {
	deviceID string
	device   BTDevice
	sink     *sampleSink
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// BLESensor is the HeartRateSensor backed by a real adapter
type BLESensor struct {
	manager *BTManager
	config  BLESensorConfig
	logger  *log.Logger

	mu       sync.Mutex
	link     *bleLink
	shutdown bool

	scanEvents    *events.Broadcaster[ScanResult]
	batteryEvents *events.Broadcaster[hr.BatteryLevel]
	statusEvents  *events.Broadcaster[ConnectionStatus]

	doneChan     chan struct{}
	scanWg       sync.WaitGroup
	shutdownOnce sync.Once
}

var _ HeartRateSensor = (*BLESensor)(nil)

func NewBLESensor(manager *BTManager, config BLESensorConfig, logger *log.Logger) *BLESensor {
	if manager == nil {
		panic("BLESensor: manager cannot be nil")
	}
	if logger == nil {
		panic("BLESensor: logger cannot be nil")
	}
	return &BLESensor{
		manager:       manager,
		config:        config,
		logger:        logger,
		scanEvents:    events.NewBroadcaster[ScanResult](events.DefaultBufferSize, false),
		batteryEvents: events.NewBroadcaster[hr.BatteryLevel](events.DefaultBufferSize, true),
		statusEvents:  events.NewBroadcaster[ConnectionStatus](events.DefaultBufferSize, true),
		doneChan:      make(chan struct{}),
	}
}

func (s *BLESensor) ScanEvents() *events.Broadcaster[ScanResult] {
	return s.scanEvents
}

func (s *BLESensor) BatteryEvents() *events.Broadcaster[hr.BatteryLevel] {
	return s.batteryEvents
}

func (s *BLESensor) StatusEvents() *events.Broadcaster[ConnectionStatus] {
	return s.statusEvents
}

func (s *BLESensor) publishStatus(state ConnectionState, deviceID string, attempt int, err error) {
	s.statusEvents.Publish(ConnectionStatus{
		State:     state,
		DeviceID:  deviceID,
		Attempt:   attempt,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (s *BLESensor) Scan(ctx context.Context) (<-chan ScanResult, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sensor shut down", ErrDeviceUnavailable)
	}
	s.mu.Unlock()

	sub := s.manager.ScanResults().Subscribe()
	s.manager.StartScan([]string{ServiceUUIDHeartRate})

	out := make(chan ScanResult, events.DefaultBufferSize)
	go_func_utils.SafeGoWG(s.logger, &s.scanWg, func() {
		defer close(out)
		defer sub.Unsubscribe()
		defer func() {
			if err := s.manager.StopScan(); err != nil {
				s.logger.Printf("BLESensor: Error stopping scan: %v", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.doneChan:
				return
			case result, ok := <-sub.C():
				if !ok {
					return
				}
				s.scanEvents.Publish(result)
				select {
				case out <- result:
				case <-ctx.Done():
					return
				case <-s.doneChan:
					return
				}
			}
		}
	})
	return out, nil
}

func (s *BLESensor) Connect(ctx context.Context, deviceID string) (<-chan hr.RawSample, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sensor shut down", ErrDeviceUnavailable)
	}
	if s.link != nil {
		current := s.link.deviceID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: already connected to %s", ErrDeviceUnavailable, current)
	}
	s.mu.Unlock()

	device := s.manager.GetBTDeviceByAddressString(deviceID)
	if device == nil {
		return nil, fmt.Errorf("%w: unknown device %s, scan first", ErrDeviceUnavailable, deviceID)
	}

	// subscribe before connecting so no disconnect can slip past the watcher
	changes := s.manager.ConnectionChanges().Subscribe()

	linkCtx, cancel := context.WithCancel(context.Background())
	link := &bleLink{
		deviceID: deviceID,
		device:   device,
		sink:     newSampleSink(),
		cancel:   cancel,
	}

	s.publishStatus(StateConnecting, deviceID, 0, nil)
	if err := s.establish(ctx, link); err != nil {
		cancel()
		changes.Unsubscribe()
		s.publishStatus(StateDisconnected, deviceID, 0, err)
		return nil, err
	}

	s.mu.Lock()
	if s.link != nil || s.shutdown {
		s.mu.Unlock()
		cancel()
		changes.Unsubscribe()
		if err := s.manager.Disconnect(device); err != nil {
			s.logger.Printf("BLESensor: Error disconnecting: %v", err)
		}
		return nil, fmt.Errorf("%w: connection superseded", ErrDeviceUnavailable)
	}
	s.link = link
	s.mu.Unlock()

	s.publishStatus(StateConnected, deviceID, 0, nil)
	s.logger.Printf("BLESensor: Connected to %s (%s)", device.GetLocalName(), deviceID)

	go_func_utils.SafeGoWG(s.logger, &link.wg, func() {
		defer changes.Unsubscribe()
		s.watchLink(linkCtx, link, changes)
	})
	if s.config.BatteryPoll > 0 && device.HasServiceUUID(ServiceUUIDBattery) {
		go_func_utils.SafeGoWG(s.logger, &link.wg, func() {
			s.pollBattery(linkCtx, link)
		})
	}

	return link.sink.ch, nil
}

// establish connects the link's device and enables measurement notifications
func (s *BLESensor) establish(ctx context.Context, link *bleLink) error {
	if !link.device.IsConnected() {
		if err := s.manager.Connect(link.device); err != nil {
			return err
		}
		waitCtx := ctx
		if s.config.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, s.config.ConnectTimeout)
			defer cancel()
		}
		if err := link.device.WaitForConnection(waitCtx); err != nil {
			if discErr := s.manager.Disconnect(link.device); discErr != nil {
				s.logger.Printf("BLESensor: Error aborting connection: %v", discErr)
			}
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}

	if !link.device.HasServiceUUID(ServiceUUIDHeartRate) {
		s.logger.Printf("BLESensor: %s did not advertise the heart rate service, trying anyway", link.deviceID)
	}
	err := link.device.EnableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, s.measurementHandler(link))
	if err != nil {
		return fmt.Errorf("%w: enable heart rate notifications: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

func (s *BLESensor) measurementHandler(link *bleLink) func(buf []byte) {
	return func(buf []byte) {
		measurement, err := hr.ParseMeasurement(buf)
		if err != nil {
			s.logger.Printf("BLESensor: Parse error: %v (raw: %v)", err, buf)
			return
		}
		sample := measurement.ToRawSample(time.Now())

		s.mu.Lock()
		sent := link.sink.send(sample)
		dropped := link.sink.dropped
		s.mu.Unlock()
		if !sent && dropped > 0 && dropped%sampleBufferSize == 1 {
			s.logger.Printf("BLESensor: Reader is lagging, %d samples dropped", dropped)
		}
	}
}

// watchLink reacts to unexpected link loss until ctx is canceled or
// reconnection gives up
func (s *BLESensor) watchLink(ctx context.Context, link *bleLink, changes *events.Subscription[ConnectionChange]) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes.C():
			if !ok {
				return
			}
			if change.Address != link.deviceID || change.Connected || link.device.IsConnected() {
				continue
			}
			s.logger.Printf("BLESensor: Lost link to %s", link.deviceID)
			if !s.reconnect(ctx, link) {
				return
			}
		}
	}
}

// reconnect walks the reconnection policy. Returns false when the link is
// gone for good, in which case the sample channel has been closed.
func (s *BLESensor) reconnect(ctx context.Context, link *bleLink) bool {
	policy := s.config.Reconnect
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		s.publishStatus(StateReconnecting, link.deviceID, attempt, nil)

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		s.logger.Printf("BLESensor: Reconnect attempt %d/%d to %s", attempt, policy.MaxAttempts, link.deviceID)
		if err := s.establish(ctx, link); err != nil {
			if ctx.Err() != nil {
				return false
			}
			lastErr = err
			s.logger.Printf("BLESensor: Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		s.publishStatus(StateConnected, link.deviceID, 0, nil)
		s.logger.Printf("BLESensor: Reconnected to %s", link.deviceID)
		return true
	}

	if lastErr == nil {
		lastErr = errors.New("no reconnection attempts allowed")
	}
	s.logger.Printf("BLESensor: Giving up on %s: %v", link.deviceID, lastErr)

	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	link.sink.close()
	s.mu.Unlock()

	s.publishStatus(StateReconnectFailed, link.deviceID, policy.MaxAttempts, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr))
	return false
}

func (s *BLESensor) pollBattery(ctx context.Context, link *bleLink) {
	s.logger.Printf("BLESensor: Starting battery poll on %s (period: %v)", link.deviceID, s.config.BatteryPoll)

	read := func() {
		if !link.device.IsConnected() {
			return
		}
		data, err := link.device.ReadCharacteristic(ServiceUUIDBattery, CharUUIDBatteryLevel)
		if err != nil {
			s.logger.Printf("BLESensor: Battery read error: %v", err)
			return
		}
		level, err := hr.ParseBatteryLevel(data, time.Now())
		if err != nil {
			s.logger.Printf("BLESensor: Battery parse error: %v", err)
			return
		}
		if level.IsLow() {
			s.logger.Printf("BLESensor: Battery low on %s: %d%%", link.deviceID, level.Percent)
		}
		s.batteryEvents.Publish(level)
	}

	read()
	ticker := time.NewTicker(s.config.BatteryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read()
		}
	}
}

// Disconnect tears the current link down and closes its sample channel. It is
// a no-op without a link.
func (s *BLESensor) Disconnect() error {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link == nil {
		return nil
	}

	link.cancel()
	link.wg.Wait()

	var err error
	if link.device.IsConnected() {
		if disableErr := link.device.DisableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement); disableErr != nil {
			s.logger.Printf("BLESensor: Failed to disable notifications: %v", disableErr)
		}
		if discErr := s.manager.Disconnect(link.device); discErr != nil {
			err = fmt.Errorf("disconnect %s: %w", link.deviceID, discErr)
		}
	}

	s.mu.Lock()
	link.sink.close()
	s.mu.Unlock()

	s.publishStatus(StateDisconnected, link.deviceID, 0, nil)
	s.logger.Printf("BLESensor: Disconnected from %s", link.deviceID)
	return err
}

func (s *BLESensor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Println("BLESensor: Shutting down")
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		close(s.doneChan)

		if err := s.Disconnect(); err != nil {
			s.logger.Printf("BLESensor: %v", err)
		}
		s.manager.Shutdown()
		s.scanWg.Wait()

		s.scanEvents.Close()
		s.batteryEvents.Close()
		s.statusEvents.Close()
		s.logger.Println("BLESensor: Shutdown complete")
	})
}
