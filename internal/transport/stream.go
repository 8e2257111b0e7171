package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// readBufferSize matches the device's largest burst between reads.
	readBufferSize = 1024
	closeWait      = 2 * time.Second
)

// Dialer opens a byte stream to target.
type Dialer interface {
	Dial(ctx context.Context, target string) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target string) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	return f(ctx, target)
}

// Stream is a Transport over a single long-lived byte stream. A dedicated
// goroutine blocks on Read and hands chunks to Handlers.OnData; writes are
// newline-terminated.
type Stream struct {
	dialer Dialer
	kind   string

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	target  string
	closing bool
	done    chan struct{}

	wmu sync.Mutex // serializes writes
}

// NewStream returns a stream transport that opens links with dialer.
func NewStream(kind string, dialer Dialer) *Stream {
	return &Stream{dialer: dialer, kind: kind}
}

func (s *Stream) Kind() string { return s.kind }

// Connect dials target and starts the read loop.
func (s *Stream) Connect(ctx context.Context, target string, h Handlers) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	slog.Info("["+s.kind+"] connecting", "target", target)
	conn, err := s.dialer.Dial(ctx, target)
	if err != nil {
		slog.Warn("["+s.kind+"] connect failed", "target", target, "error", err)
		return classifyDialError(target, err)
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, ctx.Err())
	}
	s.conn = conn
	s.target = target
	s.closing = false
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, h, done)
	slog.Info("["+s.kind+"] connected", "target", target)
	return nil
}

func (s *Stream) readLoop(conn io.ReadWriteCloser, h Handlers, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && h.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.OnData(chunk)
		}
		if err == nil {
			continue
		}

		s.mu.Lock()
		local := s.closing || s.conn != conn
		if !local {
			s.conn = nil
		}
		s.mu.Unlock()
		if local {
			return
		}

		conn.Close()
		if errors.Is(err, io.EOF) {
			slog.Info("["+s.kind+"] remote closed the link")
			err = nil
		} else {
			slog.Warn("["+s.kind+"] read failed, link lost", "error", err)
		}
		if h.OnDrop != nil {
			h.OnDrop(err)
		}
		return
	}
}

// Send writes line followed by a newline.
func (s *Stream) Send(line string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	slog.Debug("["+s.kind+"] sent", "line", line)
	return nil
}

// Disconnect closes the stream and waits for the read loop to exit.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	done := s.done
	s.conn = nil
	s.closing = true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeWait):
			slog.Warn("["+s.kind+"] read loop did not exit after close", "wait", closeWait)
		}
	}
	slog.Info("["+s.kind+"] disconnected", "target", s.target)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("transport: close %s: %w", s.kind, err)
	}
	return nil
}

// classifyDialError keeps permission and availability failures
// distinguishable and wraps everything else as ErrConnectFailed.
func classifyDialError(target string, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnavailable), errors.Is(err, ErrConnectFailed):
		return err
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, target, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, err)
	}
}

// Compile-time check that Stream implements Transport.
var _ Transport = (*Stream)(nil)
