package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/session"
)

// Event types sent to websocket clients.
const (
	EventTelemetry  = "telemetry"
	EventState      = "state"
	EventLowBattery = "low_battery"
	EventAdvisory   = "advisory"
	EventDevices    = "devices"
)

// Event is one JSON message on the websocket.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Telemetry is the payload of a telemetry event. Fields the device has not
// reported yet are omitted.
type Telemetry struct {
	Roll    *float64 `json:"roll,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	Battery *float64 `json:"battery,omitempty"`
	Updated []string `json:"updated"`
}

// AdvisoryData is the payload of an advisory event.
type AdvisoryData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

const subscriberBuffer = 64

// Bus fans events out to websocket clients. Publish never blocks; a
// client that falls behind loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	now  func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe returns a receive channel and an unsubscribe function that must
// be called when the client goes away (it closes the channel).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends an event of type typ to every subscriber.
func (b *Bus) Publish(typ string, data any) {
	e := Event{Type: typ, Time: b.now(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("[BRIDGE] slow client, event dropped", "type", typ)
		}
	}
}

// Len returns the number of connected clients.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscriber returns session hooks that publish onto the bus.
func (b *Bus) Subscriber() session.Subscriber {
	return session.Subscriber{
		OnTelemetry: func(s protocol.Sample) {
			b.Publish(EventTelemetry, telemetryData(s))
		},
		OnStateChange: func(s session.State) {
			b.Publish(EventState, s.String())
		},
		OnLowBattery: func(volts float64) {
			b.Publish(EventLowBattery, volts)
		},
		OnAdvisory: func(a session.Advisory) {
			d := AdvisoryData{Kind: a.Kind.String(), Message: a.Message}
			if a.Err != nil {
				d.Error = a.Err.Error()
			}
			b.Publish(EventAdvisory, d)
		},
		OnDevices: func(devs []ble.Device) {
			b.Publish(EventDevices, devs)
		},
	}
}

func telemetryData(s protocol.Sample) Telemetry {
	t := Telemetry{Updated: []string{}}
	field := func(f protocol.Field, key string, v float64) *float64 {
		if s.Carries(f) {
			t.Updated = append(t.Updated, key)
		}
		if !s.Has(f) {
			return nil
		}
		return &v
	}
	t.Roll = field(protocol.FieldRoll, protocol.KeyRoll, s.Roll)
	t.Pitch = field(protocol.FieldPitch, protocol.KeyPitch, s.Pitch)
	t.Battery = field(protocol.FieldBattery, protocol.KeyBattery, s.Battery)
	return t
}
