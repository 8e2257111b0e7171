package alarm

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chaz8081/kayakctl/internal/session"
)

type fakePlayer struct {
	plays int
	err   error
}

func (p *fakePlayer) Play(freq float64, d time.Duration) error {
	if p.err != nil {
		return p.err
	}
	p.plays++
	return nil
}

func newTestAlarm(p Player) (*Alarm, *time.Time) {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := New(p, Config{Frequency: 880, Duration: 100 * time.Millisecond, Cooldown: 10 * time.Second})
	a.now = func() time.Time { return clock }
	return a, &clock
}

func TestTriggerCooldown(t *testing.T) {
	p := &fakePlayer{}
	a, clock := newTestAlarm(p)

	if !a.Trigger("low battery") {
		t.Fatal("first trigger should sound")
	}
	*clock = clock.Add(5 * time.Second)
	if a.Trigger("low battery") {
		t.Error("trigger within cooldown should be suppressed")
	}
	*clock = clock.Add(6 * time.Second)
	if !a.Trigger("low battery") {
		t.Error("trigger after cooldown should sound")
	}
	if p.plays != 2 {
		t.Errorf("plays = %d, want 2", p.plays)
	}
}

func TestTriggerPlaybackError(t *testing.T) {
	a, _ := newTestAlarm(&fakePlayer{err: errors.New("no device")})
	if a.Trigger("link lost") {
		t.Error("Trigger() = true with a failing player")
	}
}

func TestSubscriber(t *testing.T) {
	p := &fakePlayer{}
	a, clock := newTestAlarm(p)
	sub := a.Subscriber()

	sub.OnAdvisory(session.Advisory{Kind: session.SendFailed})
	if p.plays != 0 {
		t.Fatalf("send failure should not sound the alarm")
	}
	sub.OnAdvisory(session.Advisory{Kind: session.LinkLost})
	*clock = clock.Add(time.Minute)
	sub.OnLowBattery(3.1)
	if p.plays != 2 {
		t.Errorf("plays = %d, want 2", p.plays)
	}
}

func TestToneFill(t *testing.T) {
	const rate = 8000
	// 1 kHz at 8 kHz: 8 frames per period; 2 ms is 16 frames.
	tn := newTone(1000, rate, 2*time.Millisecond)
	out := make([]byte, 20*4)
	tn.fill(out, 20)

	sample := func(i int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:])))
	}
	if sample(0) != 0 {
		t.Errorf("sample 0 = %v, want 0", sample(0))
	}
	if got := sample(2); math.Abs(got-amplitude) > 1e-6 {
		t.Errorf("sample 2 = %v, want %v (quarter period)", got, amplitude)
	}
	if got := sample(6); math.Abs(got+amplitude) > 1e-6 {
		t.Errorf("sample 6 = %v, want %v", got, -amplitude)
	}
	for i := 16; i < 20; i++ {
		if sample(i) != 0 {
			t.Errorf("sample %d = %v, want silence after the tone", i, sample(i))
		}
	}
}

func TestToneFillShortBuffer(t *testing.T) {
	tn := newTone(440, 44100, time.Second)
	out := make([]byte, 6) // room for one sample only
	tn.fill(out, 4)
	if tn.remaining != 44100-1 {
		t.Errorf("remaining = %d, want %d", tn.remaining, 44100-1)
	}
}
