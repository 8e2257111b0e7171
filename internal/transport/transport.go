// Package transport defines the link between the session and the device and
// provides the stream-oriented implementation used for RFCOMM sockets and
// serial ports.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when no link is up.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectFailed wraps refused or timed out connection attempts.
	ErrConnectFailed = errors.New("transport: connection failed")
	// ErrPermissionDenied wraps radio permission failures.
	ErrPermissionDenied = errors.New("transport: permission denied")
	// ErrUnavailable means there is no usable radio or port driver.
	ErrUnavailable = errors.New("transport: unavailable")
	// ErrSendFailed wraps write errors on an established link.
	ErrSendFailed = errors.New("transport: send failed")
	// ErrAlreadyConnected is returned by Connect on a live link.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Handlers receive inbound events for one connection. Both are called from
// the transport's own goroutines and must not block for long.
type Handlers struct {
	// OnData receives raw inbound bytes. Chunks do not line up with frame
	// boundaries. The slice is owned by the callee.
	OnData func(chunk []byte)
	// OnDrop is called at most once when the link goes away without a
	// local Disconnect. err is nil for a clean remote close.
	OnDrop func(err error)
}

// Transport is a single bidirectional text link to the device.
type Transport interface {
	// Connect opens a link to target and starts delivering inbound data to
	// h. It blocks until the link is usable or fails.
	Connect(ctx context.Context, target string, h Handlers) error
	// Disconnect closes the link. It is idempotent and safe in any state.
	Disconnect() error
	// Send writes one command line. The transport adds its own terminator.
	Send(line string) error
	// Kind names the transport for logs.
	Kind() string
}
