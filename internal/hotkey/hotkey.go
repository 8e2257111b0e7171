// Package hotkey provides global hotkeys for the emergency commands using
// gohook, so the stabilizer can be stopped while another window has focus.
package hotkey

import (
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is the command a hotkey triggers.
type Action int

const (
	// ActionEmergencyStop halts the stabilizer.
	ActionEmergencyStop Action = iota
	// ActionEmergencyReset clears an emergency stop.
	ActionEmergencyReset
)

func (a Action) String() string {
	if a == ActionEmergencyReset {
		return "emergency-reset"
	}
	return "emergency-stop"
}

// Binding maps a key combo to an action. Keys are lowercase gohook names,
// e.g. ["ctrl", "shift", "e"].
type Binding struct {
	Action Action
	Keys   []string
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Listener manages global hotkeys and emits an event per key press.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for bindings. Bindings with no keys are
// ignored.
func NewListener(bindings ...Binding) *Listener {
	var kept []Binding
	for _, b := range bindings {
		if len(b.Keys) > 0 {
			kept = append(kept, b)
		}
	}
	return &Listener{
		bindings: kept,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			l.emit(Event{Action: action})
		})
		slog.Info("[HOTKEY] registered", "action", action, "keys", b.Keys)
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

func (l *Listener) emit(ev Event) {
	select {
	case l.ch <- ev:
	default: // don't block the hook thread if nobody is reading
		slog.Warn("[HOTKEY] event dropped", "action", ev.Action)
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Commander is the part of the session the hotkeys drive.
type Commander interface {
	EmergencyStop() error
	EmergencyReset() error
}

// Forward runs the command for every event until events is closed.
// Failures are logged; the session publishes its own advisories.
func Forward(events <-chan Event, c Commander) {
	for ev := range events {
		var err error
		switch ev.Action {
		case ActionEmergencyStop:
			err = c.EmergencyStop()
		case ActionEmergencyReset:
			err = c.EmergencyReset()
		}
		if err != nil {
			slog.Warn("[HOTKEY] command failed", "action", ev.Action, "error", err)
			continue
		}
		slog.Info("[HOTKEY] command sent", "action", ev.Action)
	}
}
