// Package alarm sounds an audible warning when the stabilizer's battery runs
// low or the link drops, so the paddler notices without watching the screen.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/kayakctl/internal/session"
)

// Player sounds a tone. Speaker implements it.
type Player interface {
	Play(freq float64, d time.Duration) error
}

// Config holds tone and rate-limit settings.
type Config struct {
	Frequency float64
	Duration  time.Duration
	// Cooldown is the minimum gap between two tones. Low-battery
	// advisories fire on every sample, so this keeps the alarm from
	// sounding continuously.
	Cooldown time.Duration
}

// Alarm rate-limits warnings onto a Player.
type Alarm struct {
	player Player
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New creates an Alarm that plays on p.
func New(p Player, cfg Config) *Alarm {
	return &Alarm{player: p, cfg: cfg, now: time.Now}
}

// Trigger sounds the alarm unless it sounded within the cooldown. It
// reports whether a tone was started.
func (a *Alarm) Trigger(reason string) bool {
	a.mu.Lock()
	now := a.now()
	if !a.last.IsZero() && now.Sub(a.last) < a.cfg.Cooldown {
		a.mu.Unlock()
		return false
	}
	a.last = now
	a.mu.Unlock()

	if err := a.player.Play(a.cfg.Frequency, a.cfg.Duration); err != nil {
		slog.Warn("[ALARM] playback failed", "reason", reason, "error", err)
		return false
	}
	slog.Info("[ALARM] sounded", "reason", reason)
	return true
}

// Subscriber returns the session hooks that drive the alarm.
func (a *Alarm) Subscriber() session.Subscriber {
	return session.Subscriber{
		OnLowBattery: func(volts float64) {
			a.Trigger("low battery")
		},
		OnAdvisory: func(adv session.Advisory) {
			if adv.Kind == session.LinkLost {
				a.Trigger("link lost")
			}
		},
	}
}
