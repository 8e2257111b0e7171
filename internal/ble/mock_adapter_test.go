package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	subErr   error
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	telemetry    *mockCharacteristic
	command      *mockCharacteristic
	missing      string // characteristic UUID that fails discovery
	disconnectCb func()
	disconnects  int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		telemetry: &mockCharacteristic{},
		command:   &mockCharacteristic{},
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID || charUUID == c.missing {
		return nil, fmt.Errorf("mock: characteristic %s/%s not found", serviceUUID, charUUID)
	}
	switch charUUID {
	case TelemetryCharUUID:
		return c.telemetry, nil
	case CommandCharUUID:
		return c.command, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback as the peer would.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	enableErr  error
	connectErr error
	scanErr    error // returned by Scan after the advertised devices
	advertised []Device
	conn       *mockConnection
	connects   int
	scans      int
	scanning   bool
	overlaps   int
	stopDelay  time.Duration // time Scan takes to return after ctx is done
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{conn: newMockConnection()}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

// Scan reports every advertised device and then blocks until ctx is done,
// unless scanErr is set. Like the radio, it refuses a second concurrent
// scan.
func (a *mockAdapter) Scan(ctx context.Context, found func(Device)) error {
	a.mu.Lock()
	if a.scanning {
		a.overlaps++
		a.mu.Unlock()
		return errScanBusy
	}
	a.scanning = true
	a.scans++
	devs := append([]Device(nil), a.advertised...)
	scanErr := a.scanErr
	stopDelay := a.stopDelay
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	for _, d := range devs {
		found(d)
	}
	if scanErr != nil {
		return scanErr
	}
	<-ctx.Done()
	time.Sleep(stopDelay)
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.conn, nil
}

var (
	errRadio    = errors.New("mock: radio off")
	errScanBusy = errors.New("mock: scan already running")
)

// codedError exposes a platform code the way some drivers do.
type codedError struct{ code int }

func (e codedError) Error() string { return fmt.Sprintf("mock: scan error %d", e.code) }
func (e codedError) Code() int     { return e.code }
