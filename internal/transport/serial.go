package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaudRate is the ESP32 console rate used by the bench firmware.
const DefaultBaudRate = 115200

// SerialDialer opens serial ports, including RFCOMM TTYs bound with
// `rfcomm bind` (/dev/rfcomm0).
type SerialDialer struct {
	BaudRate int
}

// Dial opens the port named by target at 8N1.
func (d SerialDialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := d.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(target, mode)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) {
			switch perr.Code() {
			case serial.PermissionDenied:
				return nil, fmt.Errorf("%w: %s: %w", ErrPermissionDenied, target, err)
			case serial.PortNotFound:
				return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, err)
			}
		}
		return nil, fmt.Errorf("transport: open serial %s: %w", target, err)
	}
	return port, nil
}

// NewSerial returns a stream transport over serial ports.
func NewSerial(baud int) *Stream {
	return NewStream("SERIAL", SerialDialer{BaudRate: baud})
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}
	return ports, nil
}
