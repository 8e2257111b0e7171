// Package ble provides the BLE GATT link to the kayak stabilizer's ESP32:
// scanning for advertising devices, connecting, enabling telemetry
// notifications and writing commands.
package ble

import "context"

// Kayak stabilizer GATT UUIDs. They must match the ESP32 firmware.
const (
	ServiceUUID       = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	TelemetryCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	CommandCharUUID   = "beb5483f-36e1-4688-b7f5-ea07361b26a8"
)

// Profile names the service and characteristics used on the device.
type Profile struct {
	Service   string
	Telemetry string // notify
	Command   string // write
}

// DefaultProfile returns the UUIDs of the stock firmware.
func DefaultProfile() Profile {
	return Profile{
		Service:   ServiceUUID,
		Telemetry: TelemetryCharUUID,
		Command:   CommandCharUUID,
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the peripheral. Where the platform supports it the
	// call waits for the write response; on BlueZ it does not.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertising peripherals to found until ctx is cancelled
	// or the radio fails. found may be called concurrently with Scan's return.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
