package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota // 0
	Connecting                        // 1
	Connected                         // 2
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// BTDevice is a peripheral known to BTManager, seen in a scan or connected
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	IsConnected() bool
	GetState() BTDeviceState
	IsRecentlyScanned() bool
	WaitForConnection(ctx context.Context) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
}

type btDeviceImpl struct {
	address         bluetooth.Address
	localName       string
	scanTimeout     time.Duration
	logger          *log.Logger
	mu              sync.RWMutex
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil if not connected
	state           BTDeviceState
	serviceUuidStrs []string

	// Serializes GATT operations; discovery results are cached per connection
	bleMu                  sync.Mutex
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) getAddress() bluetooth.Address {
	return b.address
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.serviceUuidStrs...)
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) setServiceUUIDs(serviceUuids []bluetooth.UUID) {
	strs := make([]string, 0, len(serviceUuids))
	for _, uuid := range serviceUuids {
		strs = append(strs, uuid.String())
	}
	b.mu.Lock()
	b.serviceUuidStrs = strs
	b.mu.Unlock()
}

// WaitForConnection polls until the connect handler has reported the link
func (b *btDeviceImpl) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection to %s: %w", b.GetAddressString(), ctx.Err())
		}
	}
}

func parseUUIDs(serviceUuidStr, characteristicUuidStr string) (bluetooth.UUID, bluetooth.UUID, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return bluetooth.UUID{}, bluetooth.UUID{}, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return bluetooth.UUID{}, bluetooth.UUID{}, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return serviceUuid, characteristicUuid, nil
}

func (b *btDeviceImpl) EnableNotifications(serviceUuidStr string, characteristicUuidStr string, callbackFunc func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, characteristicUuid, err := parseUUIDs(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	characteristic, err := b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		b.logger.Printf("BTDevice: Failed to get characteristic %s: %v", characteristicUuidStr, err)
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, characteristicUuid, err := parseUUIDs(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	characteristic, err := b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	// a nil callback unsubscribes
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	b.logger.Printf("BTDevice: Notifications disabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(serviceUuidStr string, characteristicUuidStr string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, characteristicUuid, err := parseUUIDs(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}
	characteristic, err := b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return b.localName
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult != nil && time.Since(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
	b.scanLastSeen = seen
}

// setConnectedDevice records the link; a nil device also drops the GATT caches,
// handles from a previous connection are not valid on the next one
func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	if device != nil {
		b.state = Connected
	} else {
		b.state = Disconnected
	}
	b.mu.Unlock()

	if device == nil {
		b.bleMu.Lock()
		b.serviceByUuid.Clear()
		b.characteristicByUuid.Clear()
		b.serviceCharsDiscovered.Clear()
		b.allServicesDiscovered = false
		b.bleMu.Unlock()
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// getDeviceService must be called with bleMu held
func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, errors.New("no connected device")
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	// Discover every service at once: discovering them one by one interrupts
	// services already in use on some stacks
	if !b.allServicesDiscovered {
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
		b.logger.Printf("BTDevice: Discovered %d services on %s", len(deviceServices), b.GetAddressString())
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

// getDeviceCharacteristic must be called with bleMu held
func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	comboUuidStr := serviceUuidStr + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceUuidStr)
	}
	return characteristic, nil
}
