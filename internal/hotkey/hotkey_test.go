package hotkey

import (
	"errors"
	"testing"
)

type fakeCommander struct {
	calls   []string
	stopErr error
}

func (f *fakeCommander) EmergencyStop() error {
	f.calls = append(f.calls, "stop")
	return f.stopErr
}

func (f *fakeCommander) EmergencyReset() error {
	f.calls = append(f.calls, "reset")
	return nil
}

func TestForward(t *testing.T) {
	ch := make(chan Event, 4)
	ch <- Event{Action: ActionEmergencyStop}
	ch <- Event{Action: ActionEmergencyReset}
	ch <- Event{Action: ActionEmergencyStop}
	close(ch)

	c := &fakeCommander{stopErr: errors.New("not connected")}
	Forward(ch, c)

	want := []string{"stop", "reset", "stop"}
	if len(c.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", c.calls, want)
	}
	for i := range want {
		if c.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, c.calls[i], want[i])
		}
	}
}

func TestNewListenerSkipsEmptyBindings(t *testing.T) {
	l := NewListener(
		Binding{Action: ActionEmergencyStop, Keys: []string{"ctrl", "shift", "e"}},
		Binding{Action: ActionEmergencyReset},
	)
	if len(l.bindings) != 1 || l.bindings[0].Action != ActionEmergencyStop {
		t.Errorf("bindings = %+v", l.bindings)
	}
	l.Stop()
	l.Stop()
}

func TestEmitDoesNotBlock(t *testing.T) {
	l := NewListener()
	for i := 0; i < cap(l.ch)+4; i++ {
		l.emit(Event{Action: ActionEmergencyStop})
	}
	if len(l.ch) != cap(l.ch) {
		t.Errorf("queued = %d, want %d", len(l.ch), cap(l.ch))
	}
}

func TestActionString(t *testing.T) {
	if ActionEmergencyStop.String() != "emergency-stop" || ActionEmergencyReset.String() != "emergency-reset" {
		t.Errorf("String() = %q, %q", ActionEmergencyStop, ActionEmergencyReset)
	}
}
