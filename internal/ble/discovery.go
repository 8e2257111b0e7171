package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultScanWindow is how long a scan runs before stopping by itself.
const DefaultScanWindow = 10 * time.Second

// stopWait bounds how long Start waits for a stopped scan to release the
// radio.
var stopWait = 2 * time.Second

// ErrScanInProgress is returned by Start while a scan window is open or a
// stopped scan has not yet released the radio.
var ErrScanInProgress = errors.New("ble: scan already in progress")

// ScanError reports a radio-level scan failure. Code carries the platform
// error code when the driver exposes one, or -1.
type ScanError struct {
	Code int
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("ble: scan failed (code %d): %v", e.Code, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Discovery runs bounded scan windows for devices whose advertised name
// contains a filter string. One scan runs at a time.
type Discovery struct {
	adapter Adapter

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while the window is open
	exited chan struct{}      // non-nil until the scan goroutine returns
}

// NewDiscovery creates a Discovery on adapter.
func NewDiscovery(adapter Adapter) *Discovery {
	return &Discovery{adapter: adapter}
}

// Start opens a scan window. found is called once per matching address;
// done is called exactly once when the window closes: with nil after the
// window elapses or Stop is called, or with a *ScanError on radio failure.
// After Stop, Start waits briefly for the previous scan to wind down.
func (d *Discovery) Start(filter string, window time.Duration, found func(Device), done func(error)) error {
	if window <= 0 {
		window = DefaultScanWindow
	}
	if err := d.waitStopped(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.exited != nil {
		d.mu.Unlock()
		return ErrScanInProgress
	}
	if err := d.adapter.Enable(); err != nil {
		d.mu.Unlock()
		return &ScanError{Code: errorCode(err), Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), window)
	exited := make(chan struct{})
	d.cancel = cancel
	d.exited = exited
	d.mu.Unlock()

	slog.Info("[BLE] scan started", "filter", filter, "window", window)

	go func() {
		var mu sync.Mutex
		seen := make(map[string]bool)
		err := d.adapter.Scan(ctx, func(dev Device) {
			if ctx.Err() != nil || !matches(dev.Name, filter) {
				return
			}
			mu.Lock()
			dup := seen[dev.Address]
			seen[dev.Address] = true
			mu.Unlock()
			if dup {
				return
			}
			slog.Debug("[BLE] device found", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)
			found(dev)
		})

		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		mu.Lock()
		count := len(seen)
		mu.Unlock()

		d.mu.Lock()
		d.cancel = nil
		d.exited = nil
		d.mu.Unlock()
		close(exited)

		if err != nil {
			slog.Error("[BLE] scan failed", "error", err)
			err = &ScanError{Code: errorCode(err), Err: err}
		} else {
			slog.Info("[BLE] scan stopped", "devices", count, "timeout", timedOut)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// waitStopped waits for a scan that was stopped but is still releasing the
// radio. An open window is reported as ErrScanInProgress.
func (d *Discovery) waitStopped() error {
	d.mu.Lock()
	exited, open := d.exited, d.cancel != nil
	d.mu.Unlock()
	if exited == nil {
		return nil
	}
	if open {
		return ErrScanInProgress
	}
	select {
	case <-exited:
		return nil
	case <-time.After(stopWait):
		return ErrScanInProgress
	}
}

// Stop closes the current scan window early. It is a no-op when no scan is
// running and never causes a second completion.
func (d *Discovery) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scanning reports whether a scan window is open.
func (d *Discovery) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func matches(name, filter string) bool {
	if filter == "" {
		return true
	}
	return name != "" && strings.Contains(name, filter)
}

func errorCode(err error) int {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return -1
}
