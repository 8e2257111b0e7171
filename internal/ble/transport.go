package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/kayakctl/internal/transport"
)

// Transport is the GATT variant of transport.Transport. A connection is
// usable once the service's telemetry and command characteristics have been
// discovered and notifications are enabled. Each notification carries one
// telemetry frame.
type Transport struct {
	adapter Adapter
	profile Profile

	mu      sync.Mutex
	conn    Connection
	cmdChar Characteristic
	address string
	gen     uint64 // bumped on every connect and local disconnect
}

// NewTransport creates a GATT transport over adapter.
func NewTransport(adapter Adapter, profile Profile) *Transport {
	if profile.Service == "" {
		profile = DefaultProfile()
	}
	return &Transport{adapter: adapter, profile: profile}
}

func (t *Transport) Kind() string { return "BLE" }

// Connect connects to address, discovers the kayak service and enables
// telemetry notifications.
func (t *Transport) Connect(ctx context.Context, address string, h transport.Handlers) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: ble: enable adapter: %w", transport.ErrUnavailable, err)
	}

	slog.Info("[BLE] connecting", "address", address)
	conn, err := t.adapter.Connect(ctx, address)
	if err != nil {
		slog.Warn("[BLE] connect failed", "address", address, "error", err)
		return fmt.Errorf("%w: %w", transport.ErrConnectFailed, err)
	}

	fail := func(step string, err error) error {
		slog.Warn("[BLE] "+step+" failed", "address", address, "error", err)
		_ = conn.Disconnect()
		return fmt.Errorf("%w: ble: %s: %w", transport.ErrConnectFailed, step, err)
	}

	telemetry, err := conn.DiscoverCharacteristic(t.profile.Service, t.profile.Telemetry)
	if err != nil {
		return fail("discover telemetry characteristic", err)
	}
	cmdChar, err := conn.DiscoverCharacteristic(t.profile.Service, t.profile.Command)
	if err != nil {
		return fail("discover command characteristic", err)
	}

	conn.OnDisconnect(func() {
		t.mu.Lock()
		remote := t.gen == gen && t.conn == conn
		if remote {
			t.conn = nil
			t.cmdChar = nil
		}
		t.mu.Unlock()
		if !remote {
			return
		}
		slog.Warn("[BLE] disconnected by peer", "address", address)
		if h.OnDrop != nil {
			h.OnDrop(nil)
		}
	})

	if err := telemetry.Subscribe(func(data []byte) {
		if h.OnData == nil || len(data) == 0 {
			return
		}
		chunk := make([]byte, len(data), len(data)+1)
		copy(chunk, data)
		if chunk[len(chunk)-1] != '\n' {
			chunk = append(chunk, '\n')
		}
		h.OnData(chunk)
	}); err != nil {
		return fail("enable notifications", err)
	}

	t.mu.Lock()
	if t.gen != gen || ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Disconnect()
		return fmt.Errorf("%w: ble: connect to %s abandoned", transport.ErrConnectFailed, address)
	}
	t.conn = conn
	t.cmdChar = cmdChar
	t.address = address
	t.mu.Unlock()

	slog.Info("[BLE] connected", "address", address)
	return nil
}

// Send writes line to the command characteristic. Write errors surface as
// ErrSendFailed; whether the device acknowledged the write depends on the
// platform (see Characteristic.Write).
func (t *Transport) Send(line string) error {
	t.mu.Lock()
	cmdChar := t.cmdChar
	t.mu.Unlock()
	if cmdChar == nil {
		return transport.ErrNotConnected
	}
	if err := cmdChar.Write([]byte(line)); err != nil {
		slog.Error("[BLE] characteristic write failed", "line", line, "error", err)
		return fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	slog.Debug("[BLE] sent", "line", line)
	return nil
}

// Disconnect drops the connection. Safe to call in any state.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.gen++
	conn := t.conn
	address := t.address
	t.conn = nil
	t.cmdChar = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	if err := conn.Disconnect(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("[BLE] disconnect error", "address", address, "error", err)
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	slog.Info("[BLE] disconnected", "address", address)
	return nil
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)
