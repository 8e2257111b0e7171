// Package protocol implements the kayak stabilizer's text wire protocol:
// comma-separated KEY:VALUE telemetry frames from the device and single-line
// commands to it.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Recognized telemetry keys. Matching is exact and case-sensitive.
const (
	KeyRoll    = "ROLL"
	KeyPitch   = "PITCH"
	KeyBattery = "BATTERY"
)

// Field is a bit set of telemetry fields.
type Field uint8

const (
	FieldRoll Field = 1 << iota
	FieldPitch
	FieldBattery
)

// ErrBadValue is wrapped by TokenError when a recognized key carries a value
// that is not a finite decimal number.
var ErrBadValue = errors.New("protocol: value is not a finite number")

// Sample is one decoded telemetry frame merged over the previous one.
type Sample struct {
	Roll    float64 // degrees
	Pitch   float64 // degrees
	Battery float64 // volts

	// Fields holds the fields that have ever been defined. Updated holds
	// the fields carried by the frame that produced this sample.
	Fields  Field
	Updated Field

	Time time.Time
}

// Has reports whether f has a defined value.
func (s Sample) Has(f Field) bool { return s.Fields&f == f }

// Carries reports whether the frame that produced s contained f.
func (s Sample) Carries(f Field) bool { return s.Updated&f == f }

// TokenError describes one recognized token that could not be decoded.
type TokenError struct {
	Token string
	Key   string
	Value string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("protocol: malformed token %q: %v", e.Token, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// Parser decodes telemetry frames. Fields missing from a frame retain the
// value from the previous sample. A Parser is not safe for concurrent use.
type Parser struct {
	last Sample
	now  func() time.Time
}

// NewParser returns a Parser with no prior sample.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse decodes one frame. Malformed recognized tokens are skipped and
// reported; unknown keys and tokens without a colon are ignored.
func (p *Parser) Parse(frame string) (Sample, []*TokenError) {
	s := p.last
	s.Updated = 0
	var errs []*TokenError

	for _, tok := range strings.Split(frame, ",") {
		tok = strings.TrimSpace(tok)
		key, value, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var f Field
		switch key {
		case KeyRoll:
			f = FieldRoll
		case KeyPitch:
			f = FieldPitch
		case KeyBattery:
			f = FieldBattery
		default:
			continue
		}

		v, err := parseFinite(value)
		if err != nil {
			errs = append(errs, &TokenError{Token: tok, Key: key, Value: value, Err: err})
			continue
		}

		switch f {
		case FieldRoll:
			s.Roll = v
		case FieldPitch:
			s.Pitch = v
		case FieldBattery:
			s.Battery = v
		}
		s.Fields |= f
		s.Updated |= f
	}

	s.Time = p.now()
	p.last = s
	return s, errs
}

// Last returns the most recent sample.
func (p *Parser) Last() Sample { return p.last }

// Reset forgets the previous sample, so the next frame is treated as the
// first one.
func (p *Parser) Reset() { p.last = Sample{} }

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrBadValue
	}
	return v, nil
}

// LowBattery reports whether the frame behind s carried a battery voltage
// below threshold.
func LowBattery(s Sample, threshold float64) bool {
	return s.Carries(FieldBattery) && s.Battery < threshold
}
