package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// ConnectionChange is published by BTManager whenever the adapter reports a
// peripheral connecting or disconnecting
type ConnectionChange struct {
	Address   string
	Connected bool
}

// BTManager owns the adapter: it keeps the table of known devices, runs scans
// and tracks connections
type BTManager struct {
	adapter           *bluetooth.Adapter
	logger            *log.Logger
	scanTimeout       time.Duration
	mu                sync.RWMutex
	devicesByAddress  map[string]*btDeviceImpl
	scanning          bool
	scanContextCancel context.CancelFunc

	scanResults       *events.Broadcaster[ScanResult]
	connectionChanges *events.Broadcaster[ConnectionChange]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:           adapter,
		logger:            logger,
		scanTimeout:       scanTimeout,
		devicesByAddress:  make(map[string]*btDeviceImpl),
		scanResults:       events.NewBroadcaster[ScanResult](events.DefaultBufferSize, false),
		connectionChanges: events.NewBroadcaster[ConnectionChange](events.DefaultBufferSize, false),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// ScanResults carries every matching advertisement while a scan runs
func (m *BTManager) ScanResults() *events.Broadcaster[ScanResult] {
	return m.scanResults
}

func (m *BTManager) ConnectionChanges() *events.Broadcaster[ConnectionChange] {
	return m.connectionChanges
}

// GetBTDeviceByAddressString returns a known device, or nil
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if device, ok := m.devicesByAddress[addressString]; ok {
		return device
	}
	return nil
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addressStr := address.String()
	if result, ok := m.devicesByAddress[addressStr]; ok {
		return result, false
	}
	result := newBtDeviceImpl(m.logger, address, m.scanTimeout)
	m.devicesByAddress[addressStr] = result
	return result, true
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
		}
		m.connectionChanges.Publish(ConnectionChange{Address: addressStr, Connected: connected})
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

// StartScan scans until StopScan. With a non-empty filter only devices
// advertising one of the service UUIDs are reported.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, filter := range serviceUuidFilter {
		filterSet[filter] = struct{}{}
	}

	m.mu.Lock()
	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: A scan is already running, restarting it")
		m.scanContextCancel()
	}
	m.scanning = true
	scanContext, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel
	m.mu.Unlock()

	m.logger.Printf("BTManager: Starting scan, filter %v", serviceUuidFilter)

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanContext)
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Printf("BTManager: Scan loop exiting")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-scanContext.Done():
				// still need StopScan on the adapter to leave this callback
				return
			default:
			}

			if len(filterSet) > 0 {
				found := false
				for _, uuid := range device.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			d, newObj := m.getBTDeviceImpl(device.Address)
			d.setScanResult(&device, time.Now())
			if newObj {
				d.setServiceUUIDs(device.ServiceUUIDs())
				m.logger.Printf("BTManager: Found device: %s (%s) [RSSI: %d]", d.GetLocalName(), device.Address.String(), device.RSSI)
			}
			m.scanResults.Publish(ScanResult{
				DeviceID: device.Address.String(),
				Name:     d.GetLocalName(),
				RSSI:     device.RSSI,
			})
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
		}
	})
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	wasScanning := m.scanning
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	m.mu.Unlock()

	if !wasScanning {
		return nil
	}
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// cleanupStaleDevices forgets devices not seen for scanTimeout, except connected ones
func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var removed []string
			m.mu.Lock()
			for mac, btDevice := range m.devicesByAddress {
				if btDevice.IsConnected() {
					continue
				}
				if time.Since(btDevice.GetScanLastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, mac)
					removed = append(removed, mac)
				}
			}
			m.mu.Unlock()

			for _, mac := range removed {
				m.logger.Printf("BTManager: Device timeout: %s (not seen for %v)", mac, m.scanTimeout)
			}
		}
	}
}

// Connect initiates a connection; completion is reported through the connect
// handler, see BTDevice.WaitForConnection
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("%w: unknown device %s", ErrDeviceUnavailable, addressStr)
	}

	m.logger.Printf("BTManager: Connecting to %s", addressStr)
	impl.setState(Connecting)
	if _, err := m.adapter.Connect(impl.getAddress(), bluetooth.ConnectionParams{}); err != nil {
		impl.setState(Disconnected)
		return fmt.Errorf("%w: connect %s: %v", ErrDeviceUnavailable, addressStr, err)
	}
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("%w: unknown device %s", ErrDeviceUnavailable, addressStr)
	}
	innerDevice := impl.getConnectedDevice()
	if innerDevice == nil {
		return nil
	}
	m.logger.Printf("BTManager: Disconnecting from %s", addressStr)
	return innerDevice.Disconnect()
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, btDevice := range m.devicesByAddress {
		if btDevice.IsConnected() {
			result = append(result, btDevice)
		}
	}
	return result
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, btDevice := range m.devicesByAddress {
		if btDevice.IsRecentlyScanned() {
			result = append(result, btDevice)
		}
	}
	return result
}

// Shutdown disconnects everything and waits for the scan goroutines
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	for _, dev := range m.GetConnectedDevices() {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", dev.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.scanResults.Close()
	m.connectionChanges.Close()
	m.logger.Println("BTManager: Shutdown complete")
}
