package alarm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

const (
	defaultSampleRate = 44100
	amplitude         = 0.4
)

// Speaker plays alarm tones on the default output device.
type Speaker struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32

	mu     sync.Mutex
	device *malgo.Device
	timer  *time.Timer
}

// NewSpeaker opens the audio context. Call Close() when done.
func NewSpeaker(sampleRate uint32) (*Speaker, error) {
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Speaker{ctx: ctx, sampleRate: sampleRate}, nil
}

// Play sounds a sine tone for d without blocking. A tone that is already
// playing is left to finish and the call is a no-op.
func (s *Speaker) Play(freq float64, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	t := newTone(freq, s.sampleRate, d)
	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatF32
	deviceCfg.Playback.Channels = 1
	deviceCfg.SampleRate = s.sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			t.fill(pOutput, frameCount)
		},
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return fmt.Errorf("initializing playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("starting playback device: %w", err)
	}

	s.device = device
	// The tail lets the device drain its last buffer.
	s.timer = time.AfterFunc(d+100*time.Millisecond, s.stop)
	return nil
}

func (s *Speaker) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
}

// Close releases all audio resources.
func (s *Speaker) Close() error {
	s.stop()
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}

// tone generates a mono float32 sine wave of a fixed length. It is only
// touched from the audio callback.
type tone struct {
	step      float64 // phase increment per frame
	phase     float64
	remaining int // frames left
}

func newTone(freq float64, sampleRate uint32, d time.Duration) *tone {
	return &tone{
		step:      2 * math.Pi * freq / float64(sampleRate),
		remaining: int(math.Round(d.Seconds() * float64(sampleRate))),
	}
}

// fill writes frameCount little-endian float32 samples into out, followed by
// silence once the tone has run out.
func (t *tone) fill(out []byte, frameCount uint32) {
	for i := uint32(0); i < frameCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(out)) {
			return
		}
		var v float32
		if t.remaining > 0 {
			v = float32(amplitude * math.Sin(t.phase))
			t.phase += t.step
			if t.phase >= 2*math.Pi {
				t.phase -= 2 * math.Pi
			}
			t.remaining--
		}
		binary.LittleEndian.PutUint32(out[offset:offset+4], math.Float32bits(v))
	}
}
