package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command wire strings.
const (
	CmdSetKP            = "SET_KP"
	CmdSetKI            = "SET_KI"
	CmdSetKD            = "SET_KD"
	CmdStabilizationOn  = "STABILIZATION_ON"
	CmdStabilizationOff = "STABILIZATION_OFF"
	CmdEmergencyStop    = "EMERGENCY_STOP"
	CmdEmergencyReset   = "EMERGENCY_RESET"
	CmdResetEmergency   = "RESET_EMERGENCY" // classic firmware spelling
	CmdGetStatus        = "GET_STATUS"
)

// ErrUnsupported is returned when a command has no encoding in a dialect.
var ErrUnsupported = errors.New("protocol: command not supported by dialect")

// Dialect selects the firmware command set. The BLE and Classic firmware
// families disagree on the emergency commands and are kept separate.
type Dialect int

const (
	// DialectGATT is the BLE firmware: EMERGENCY_STOP / EMERGENCY_RESET.
	DialectGATT Dialect = iota
	// DialectClassic is the RFCOMM firmware: RESET_EMERGENCY, no stop.
	DialectClassic
)

func (d Dialect) String() string {
	switch d {
	case DialectClassic:
		return "classic"
	default:
		return "ble"
	}
}

// ParseDialect maps a config name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "ble", "gatt":
		return DialectGATT, nil
	case "classic", "rfcomm":
		return DialectClassic, nil
	default:
		return 0, fmt.Errorf("protocol: unknown dialect %q", name)
	}
}

// GainKind names one PID term.
type GainKind int

const (
	GainP GainKind = iota
	GainI
	GainD
)

func (k GainKind) String() string {
	switch k {
	case GainP:
		return "P"
	case GainI:
		return "I"
	case GainD:
		return "D"
	default:
		return fmt.Sprintf("GainKind(%d)", int(k))
	}
}

// GainSetting is a single gain update.
type GainSetting struct {
	Kind  GainKind
	Value float64
}

// SliderGain converts a 0-100 slider position to a gain value. P and D
// move in steps of 0.1, I in steps of 0.01.
func SliderGain(kind GainKind, progress int) GainSetting {
	div := 10.0
	if kind == GainI {
		div = 100.0
	}
	return GainSetting{Kind: kind, Value: float64(progress) / div}
}

// SliderPosition is the inverse of SliderGain, rounded to the nearest step.
func SliderPosition(g GainSetting) int {
	mul := 10.0
	if g.Kind == GainI {
		mul = 100.0
	}
	return int(math.Round(g.Value * mul))
}

// Command is one of SetGain, SetStabilization, EmergencyStop,
// EmergencyReset or RequestStatus.
type Command interface {
	command()
}

type (
	SetGain          struct{ Gain GainSetting }
	SetStabilization struct{ Enabled bool }
	EmergencyStop    struct{}
	EmergencyReset   struct{}
	RequestStatus    struct{}
)

func (SetGain) command()          {}
func (SetStabilization) command() {}
func (EmergencyStop) command()    {}
func (EmergencyReset) command()   {}
func (RequestStatus) command()    {}

// Encode renders cmd as a wire line without terminator.
func Encode(cmd Command, d Dialect) (string, error) {
	switch c := cmd.(type) {
	case SetGain:
		var key string
		switch c.Gain.Kind {
		case GainP:
			key = CmdSetKP
		case GainI:
			key = CmdSetKI
		case GainD:
			key = CmdSetKD
		default:
			return "", fmt.Errorf("protocol: unknown gain kind %v", c.Gain.Kind)
		}
		if math.IsNaN(c.Gain.Value) || math.IsInf(c.Gain.Value, 0) {
			return "", fmt.Errorf("protocol: gain %v is not finite", c.Gain.Kind)
		}
		return key + ":" + FormatValue(c.Gain.Value), nil
	case SetStabilization:
		if c.Enabled {
			return CmdStabilizationOn, nil
		}
		return CmdStabilizationOff, nil
	case EmergencyStop:
		if d == DialectClassic {
			return "", fmt.Errorf("%w: emergency stop (%s)", ErrUnsupported, d)
		}
		return CmdEmergencyStop, nil
	case EmergencyReset:
		if d == DialectClassic {
			return CmdResetEmergency, nil
		}
		return CmdEmergencyReset, nil
	case RequestStatus:
		return CmdGetStatus, nil
	case nil:
		return "", errors.New("protocol: nil command")
	default:
		return "", fmt.Errorf("protocol: unknown command %T", cmd)
	}
}

// FormatValue renders v as the shortest decimal that round-trips, keeping
// a ".0" on integral values the way the firmware has always received them.
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
