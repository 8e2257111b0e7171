package session

import (
	"errors"
	"fmt"

	"github.com/chaz8081/kayakctl/internal/transport"
)

var (
	// ErrNoDiscovery is returned by scan operations on transports that
	// connect to a configured address.
	ErrNoDiscovery = errors.New("session: transport has no discovery")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
	// ErrUnavailable is returned once the transport has reported that no
	// radio or port driver exists.
	ErrUnavailable = errors.New("session: communication unavailable")
	// ErrBusy is returned by Connect and StartScan outside the states they
	// start from.
	ErrBusy = errors.New("session: busy")
	// ErrNoTarget is returned by Connect when no address is configured and
	// nothing has been discovered.
	ErrNoTarget = errors.New("session: no device to connect to")
	// ErrNoDevice is returned by SelectDevice for an index outside the
	// discovered list.
	ErrNoDevice = errors.New("session: no such device")
	// ErrGainOutOfRange is returned by SendGain before anything is encoded.
	ErrGainOutOfRange = errors.New("session: gain out of range")
	// ErrPermissionDenied is returned when the host refuses radio access.
	ErrPermissionDenied = errors.New("session: permission denied")
)

// Capability is a radio permission the host is asked for.
type Capability int

const (
	CapabilityScan Capability = iota
	CapabilityConnect
)

func (c Capability) String() string {
	if c == CapabilityScan {
		return "scan"
	}
	return "connect"
}

// AdvisoryKind classifies a user-visible failure.
type AdvisoryKind int

const (
	PermissionDenied AdvisoryKind = iota
	TransportUnavailable
	ConnectionFailed
	LinkLost
	SendFailed
	ScanFailed
)

func (k AdvisoryKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case TransportUnavailable:
		return "transport unavailable"
	case ConnectionFailed:
		return "connection failed"
	case LinkLost:
		return "link lost"
	case SendFailed:
		return "send failed"
	case ScanFailed:
		return "scan failed"
	default:
		return fmt.Sprintf("AdvisoryKind(%d)", int(k))
	}
}

// Advisory is a recovered error surfaced to subscribers.
type Advisory struct {
	Kind    AdvisoryKind
	Message string
	Err     error
}

func (a Advisory) String() string {
	if a.Err == nil {
		return a.Kind.String() + ": " + a.Message
	}
	return fmt.Sprintf("%s: %s: %v", a.Kind, a.Message, a.Err)
}

// classifyConnect maps a transport connect error to an advisory kind.
func classifyConnect(err error) AdvisoryKind {
	switch {
	case errors.Is(err, transport.ErrPermissionDenied), errors.Is(err, ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, transport.ErrUnavailable):
		return TransportUnavailable
	default:
		return ConnectionFailed
	}
}
