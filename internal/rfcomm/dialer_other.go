//go:build !linux

package rfcomm

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/chaz8081/kayakctl/internal/transport"
)

// Dialer is only functional on Linux, where BlueZ provides RFCOMM sockets.
// Elsewhere bind the device to a serial port and use the serial transport.
type Dialer struct {
	Adapter string
}

func (Dialer) Dial(_ context.Context, _ string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("%w: rfcomm: BlueZ sockets are not available on %s", transport.ErrUnavailable, runtime.GOOS)
}

// NewTransport returns a stream transport whose dials fail with
// transport.ErrUnavailable.
func NewTransport(adapter string) *transport.Stream {
	return transport.NewStream("RFCOMM", Dialer{Adapter: adapter})
}

var _ transport.Dialer = Dialer{}
