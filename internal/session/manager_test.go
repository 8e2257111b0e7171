package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/transport"
)

// fakeTransport records sends and lets tests drive inbound events.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	sendErr     error
	block       chan struct{} // when set, Connect waits on it or ctx
	handlers    transport.Handlers
	connected   bool
	targets     []string
	sent        []string
	disconnects int
}

func (f *fakeTransport) Kind() string { return "FAKE" }

func (f *fakeTransport) Connect(ctx context.Context, target string, h transport.Handlers) error {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	block := f.block
	err := f.connectErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return errors.Join(transport.ErrConnectFailed, ctx.Err())
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.handlers = h
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		return errors.Join(transport.ErrSendFailed, f.sendErr)
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTransport) feed(s string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnData([]byte(s))
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	h := f.handlers
	f.connected = false
	f.mu.Unlock()
	h.OnDrop(err)
}

func (f *fakeTransport) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeScanner reports its devices on Start and completes when stopped or
// when finish is called.
type fakeScanner struct {
	mu       sync.Mutex
	devices  []ble.Device
	startErr error
	found    func(ble.Device)
	done     func(error)
	starts   int
	stops    int
}

func (s *fakeScanner) Start(filter string, window time.Duration, found func(ble.Device), done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.found, s.done = found, done
	for _, d := range s.devices {
		found(d)
	}
	return nil
}

func (s *fakeScanner) Stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.stops++
	s.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (s *fakeScanner) finish(err error) {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// events collects everything a subscriber sees.
type events struct {
	mu         sync.Mutex
	states     []State
	samples    []protocol.Sample
	lowBattery []float64
	advisories []Advisory
	malformed  []*protocol.TokenError
	devices    [][]ble.Device
}

func (e *events) subscriber() Subscriber {
	return Subscriber{
		OnStateChange: func(s State) { e.mu.Lock(); e.states = append(e.states, s); e.mu.Unlock() },
		OnTelemetry:   func(s protocol.Sample) { e.mu.Lock(); e.samples = append(e.samples, s); e.mu.Unlock() },
		OnLowBattery:  func(v float64) { e.mu.Lock(); e.lowBattery = append(e.lowBattery, v); e.mu.Unlock() },
		OnAdvisory:    func(a Advisory) { e.mu.Lock(); e.advisories = append(e.advisories, a); e.mu.Unlock() },
		OnMalformed:   func(t *protocol.TokenError) { e.mu.Lock(); e.malformed = append(e.malformed, t); e.mu.Unlock() },
		OnDevices:     func(d []ble.Device) { e.mu.Lock(); e.devices = append(e.devices, d); e.mu.Unlock() },
	}
}

func (e *events) stateLog() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.states...)
}

func (e *events) advisoryLog() []Advisory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Advisory(nil), e.advisories...)
}

// syncLoop waits until every event posted so far has been handled.
func syncLoop(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.call(func() error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// waitState polls until the session reaches want.
func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func newTestManager(t *testing.T, tr transport.Transport, sc Scanner, opts Options) (*Manager, *events) {
	t.Helper()
	m := New(tr, sc, opts)
	t.Cleanup(m.Close)
	ev := &events{}
	m.Subscribe(ev.subscriber())
	return m, ev
}

func connectManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect("AA:BB"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, m, Connected)
	syncLoop(t, m)
}

func TestConnectStateSequence(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())

	connectManager(t, m)

	want := []State{Disconnected, Connecting, Connected}
	got := ev.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestConnectUsesConfiguredTarget(t *testing.T) {
	tr := &fakeTransport{}
	opts := DefaultOptions()
	opts.Target = "/dev/ttyUSB0"
	m, _ := newTestManager(t, tr, nil, opts)

	if err := m.Connect(""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, m, Connected)
	if tr.targets[0] != "/dev/ttyUSB0" {
		t.Errorf("target = %q", tr.targets[0])
	}
}

func TestConnectWithoutTarget(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, nil, DefaultOptions())
	if err := m.Connect(""); !errors.Is(err, ErrNoTarget) {
		t.Errorf("err = %v, want ErrNoTarget", err)
	}
	if m.State() != Disconnected {
		t.Errorf("state = %v", m.State())
	}
}

func TestConnectWhileConnected(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, nil, DefaultOptions())
	connectManager(t, m)
	if err := m.Connect("AA:BB"); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind AdvisoryKind
	}{
		{"refused", errors.Join(transport.ErrConnectFailed, errors.New("timeout")), ConnectionFailed},
		{"permission", errors.Join(transport.ErrPermissionDenied, errors.New("EACCES")), PermissionDenied},
		{"no radio", errors.Join(transport.ErrUnavailable, errors.New("no adapter")), TransportUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{connectErr: tt.err}
			m, ev := newTestManager(t, tr, nil, DefaultOptions())

			if err := m.Connect("AA:BB"); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			waitState(t, m, Disconnected)
			syncLoop(t, m)

			adv := ev.advisoryLog()
			if len(adv) != 1 || adv[0].Kind != tt.kind {
				t.Fatalf("advisories = %v, want one %v", adv, tt.kind)
			}
			states := ev.stateLog()
			if states[len(states)-1] != Disconnected {
				t.Errorf("final state = %v", states[len(states)-1])
			}
		})
	}
}

func TestUnavailableLatches(t *testing.T) {
	tr := &fakeTransport{connectErr: transport.ErrUnavailable}
	m, _ := newTestManager(t, tr, &fakeScanner{}, DefaultOptions())

	_ = m.Connect("AA:BB")
	waitState(t, m, Disconnected)
	syncLoop(t, m)

	if err := m.Connect("AA:BB"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Connect: err = %v, want ErrUnavailable", err)
	}
	if err := m.StartScan(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("StartScan: err = %v, want ErrUnavailable", err)
	}
}

func TestPermissionDeniedBeforeConnect(t *testing.T) {
	tr := &fakeTransport{}
	opts := DefaultOptions()
	opts.Permission = func(ctx context.Context, c Capability) bool { return false }
	m, ev := newTestManager(t, tr, nil, opts)

	_ = m.Connect("AA:BB")
	waitState(t, m, Disconnected)
	syncLoop(t, m)

	if len(tr.targets) != 0 {
		t.Errorf("transport dialed %v without permission", tr.targets)
	}
	adv := ev.advisoryLog()
	if len(adv) != 1 || adv[0].Kind != PermissionDenied {
		t.Errorf("advisories = %v", adv)
	}
}

func TestCommandsRejectedWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())

	ops := map[string]func() error{
		"gain":   func() error { return m.SendGain(protocol.GainSetting{Kind: protocol.GainP, Value: 2.5}) },
		"toggle": m.ToggleStabilization,
		"stop":   m.EmergencyStop,
		"reset":  m.EmergencyReset,
		"status": m.RequestStatus,
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, transport.ErrNotConnected) {
			t.Errorf("%s: err = %v, want ErrNotConnected", name, err)
		}
	}
	if got := tr.sentLines(); len(got) != 0 {
		t.Errorf("sent %q while disconnected", got)
	}
}

func TestCommandsWhileConnected(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	if err := m.SendGain(protocol.GainSetting{Kind: protocol.GainP, Value: 2.5}); err != nil {
		t.Fatalf("SendGain: %v", err)
	}
	if err := m.SendGain(protocol.SliderGain(protocol.GainI, 5)); err != nil {
		t.Fatalf("SendGain: %v", err)
	}
	if err := m.ToggleStabilization(); err != nil {
		t.Fatalf("ToggleStabilization: %v", err)
	}
	if err := m.ToggleStabilization(); err != nil {
		t.Fatalf("ToggleStabilization: %v", err)
	}
	if err := m.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if err := m.EmergencyReset(); err != nil {
		t.Fatalf("EmergencyReset: %v", err)
	}
	if err := m.RequestStatus(); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	syncLoop(t, m)

	want := []string{
		"SET_KP:2.5", "SET_KI:0.05", "STABILIZATION_ON", "STABILIZATION_OFF",
		"EMERGENCY_STOP", "EMERGENCY_RESET", "GET_STATUS",
	}
	got := tr.sentLines()
	if len(got) != len(want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	gains := m.Gains()
	if gains[protocol.GainP].Value != 2.5 || gains[protocol.GainI].Value != 0.05 {
		t.Errorf("gains = %+v", gains)
	}
	if m.Stabilization() {
		t.Error("stabilization should be off after two toggles")
	}
}

func TestToggleBackToBack(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	for i := 0; i < 3; i++ {
		if err := m.ToggleStabilization(); err != nil {
			t.Fatalf("ToggleStabilization: %v", err)
		}
	}

	want := []string{"STABILIZATION_ON", "STABILIZATION_OFF", "STABILIZATION_ON"}
	got := tr.sentLines()
	if len(got) != len(want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !m.Stabilization() {
		t.Error("stabilization should be on after three toggles")
	}
}

func TestToggleConcurrent(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.ToggleStabilization(); err != nil {
				t.Errorf("ToggleStabilization: %v", err)
			}
		}()
	}
	wg.Wait()

	got := tr.sentLines()
	if len(got) != n {
		t.Fatalf("sent %d lines, want %d", len(got), n)
	}
	for i, line := range got {
		want := "STABILIZATION_ON"
		if i%2 == 1 {
			want = "STABILIZATION_OFF"
		}
		if line != want {
			t.Errorf("sent[%d] = %q, want %q", i, line, want)
		}
	}
	if m.Stabilization() {
		t.Error("stabilization should be off after an even number of toggles")
	}
}

func TestGainsRecordedBeforeReturn(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	var wg sync.WaitGroup
	for _, g := range []protocol.GainSetting{
		{Kind: protocol.GainP, Value: 1.5},
		{Kind: protocol.GainI, Value: 0.2},
		{Kind: protocol.GainD, Value: 3},
	} {
		wg.Add(1)
		go func(g protocol.GainSetting) {
			defer wg.Done()
			if err := m.SendGain(g); err != nil {
				t.Errorf("SendGain: %v", err)
			}
		}(g)
	}
	wg.Wait()

	gains := m.Gains()
	if gains[protocol.GainP].Value != 1.5 || gains[protocol.GainI].Value != 0.2 || gains[protocol.GainD].Value != 3 {
		t.Errorf("gains = %+v", gains)
	}

	if err := m.SendGain(protocol.GainSetting{Kind: protocol.GainP, Value: 4}); err != nil {
		t.Fatalf("SendGain: %v", err)
	}
	if got := m.Gains()[protocol.GainP].Value; got != 4 {
		t.Errorf("P = %v right after SendGain, want 4", got)
	}
}

func TestClassicDialect(t *testing.T) {
	tr := &fakeTransport{}
	opts := DefaultOptions()
	opts.Dialect = protocol.DialectClassic
	m, _ := newTestManager(t, tr, nil, opts)
	connectManager(t, m)

	if err := m.EmergencyStop(); !errors.Is(err, protocol.ErrUnsupported) {
		t.Errorf("EmergencyStop: err = %v, want ErrUnsupported", err)
	}
	if err := m.EmergencyReset(); err != nil {
		t.Fatalf("EmergencyReset: %v", err)
	}
	if got := tr.sentLines(); len(got) != 1 || got[0] != "RESET_EMERGENCY" {
		t.Errorf("sent = %q", got)
	}
}

func TestSendGainRange(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	bad := []protocol.GainSetting{
		{Kind: protocol.GainP, Value: -0.1},
		{Kind: protocol.GainP, Value: 10.1},
		{Kind: protocol.GainI, Value: 1.5},
		{Kind: protocol.GainD, Value: math.NaN()},
		{Kind: protocol.GainKind(7), Value: 1},
	}
	for _, g := range bad {
		if err := m.SendGain(g); !errors.Is(err, ErrGainOutOfRange) {
			t.Errorf("SendGain(%+v): err = %v, want ErrGainOutOfRange", g, err)
		}
	}
	if got := tr.sentLines(); len(got) != 0 {
		t.Errorf("sent %q for invalid gains", got)
	}
}

func TestSendFailedAdvisory(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	tr.mu.Lock()
	tr.sendErr = errors.New("write error")
	tr.mu.Unlock()

	if err := m.EmergencyStop(); !errors.Is(err, transport.ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	syncLoop(t, m)
	adv := ev.advisoryLog()
	if len(adv) != 1 || adv[0].Kind != SendFailed {
		t.Errorf("advisories = %v", adv)
	}
	if m.State() != Connected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestTelemetry(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	tr.feed("ROLL:1.23,PITCH:-0.45,BATT")
	tr.feed("ERY:3.9\nROLL:abc,PITCH:2.0\n")
	syncLoop(t, m)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(ev.samples))
	}
	first, second := ev.samples[0], ev.samples[1]
	if first.Roll != 1.23 || first.Pitch != -0.45 || first.Battery != 3.9 {
		t.Errorf("first = %+v", first)
	}
	if second.Roll != 1.23 || second.Pitch != 2.0 {
		t.Errorf("second = %+v, roll should be unchanged", second)
	}
	if len(ev.malformed) != 1 || ev.malformed[0].Key != protocol.KeyRoll {
		t.Errorf("malformed = %v", ev.malformed)
	}
	if len(ev.lowBattery) != 0 {
		t.Errorf("low battery fired for 3.9 V")
	}
	if m.Last().Pitch != 2.0 {
		t.Errorf("Last() = %+v", m.Last())
	}
}

func TestLowBatteryEverySample(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	tr.feed("BATTERY:3.1\n")
	tr.feed("ROLL:0.5\n")
	tr.feed("BATTERY:3.5\n")
	tr.feed("BATTERY:3.0\n")
	syncLoop(t, m)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.lowBattery) != 2 || ev.lowBattery[0] != 3.1 || ev.lowBattery[1] != 3.0 {
		t.Errorf("low battery = %v, want [3.1 3]", ev.lowBattery)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())

	m.Disconnect()
	connectManager(t, m)
	m.Disconnect()
	m.Disconnect()

	if m.State() != Disconnected {
		t.Fatalf("state = %v", m.State())
	}
	want := []State{Disconnected, Connecting, Connected, Disconnected}
	got := ev.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if err := m.EmergencyStop(); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("EmergencyStop after disconnect: err = %v", err)
	}
}

func TestDisconnectCancelsPendingConnect(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())

	if err := m.Connect("AA:BB"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Connecting {
		t.Fatalf("state = %v, want connecting", m.State())
	}
	m.Disconnect()
	// Let the cancelled dial report back.
	time.Sleep(20 * time.Millisecond)
	syncLoop(t, m)

	if m.State() != Disconnected {
		t.Errorf("state = %v", m.State())
	}
	if adv := ev.advisoryLog(); len(adv) != 0 {
		t.Errorf("advisories = %v, want none for a cancelled connect", adv)
	}
}

func TestRemoteDrop(t *testing.T) {
	tr := &fakeTransport{}
	m, ev := newTestManager(t, tr, nil, DefaultOptions())
	connectManager(t, m)

	tr.drop(errors.New("connection reset"))
	waitState(t, m, Disconnected)
	syncLoop(t, m)

	adv := ev.advisoryLog()
	if len(adv) != 1 || adv[0].Kind != LinkLost {
		t.Errorf("advisories = %v", adv)
	}

	// Reconnection is user-initiated.
	connectManager(t, m)
}

func TestScanAndSelect(t *testing.T) {
	tr := &fakeTransport{}
	sc := &fakeScanner{devices: []ble.Device{
		{Name: "KayakStabilizer", Address: "AA:01"},
		{Name: "KayakStabilizer", Address: "AA:02"},
	}}
	m, ev := newTestManager(t, tr, sc, DefaultOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	syncLoop(t, m)
	if m.State() != Scanning {
		t.Fatalf("state = %v", m.State())
	}
	if n := len(m.Devices()); n != 2 {
		t.Fatalf("devices = %d", n)
	}

	if err := m.SelectDevice(5); !errors.Is(err, ErrNoDevice) {
		t.Errorf("SelectDevice(5): err = %v", err)
	}
	if err := m.SelectDevice(1); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	waitState(t, m, Connected)
	syncLoop(t, m)

	if tr.targets[0] != "AA:02" {
		t.Errorf("target = %q, want AA:02", tr.targets[0])
	}
	want := []State{Disconnected, Scanning, Connecting, Connected}
	got := ev.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestAutoConnectFirstDevice(t *testing.T) {
	tr := &fakeTransport{}
	sc := &fakeScanner{devices: []ble.Device{{Name: "KayakStabilizer", Address: "AA:01"}}}
	opts := DefaultOptions()
	opts.AutoConnect = true
	m, _ := newTestManager(t, tr, sc, opts)

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	waitState(t, m, Connected)
	if tr.targets[0] != "AA:01" {
		t.Errorf("target = %q", tr.targets[0])
	}
}

func TestStopScanCompletesOnce(t *testing.T) {
	sc := &fakeScanner{}
	m, ev := newTestManager(t, &fakeTransport{}, sc, DefaultOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	m.StopScan()
	m.StopScan()
	sc.finish(nil) // a late window timeout must be ignored
	syncLoop(t, m)

	want := []State{Disconnected, Scanning, Disconnected}
	got := ev.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if sc.stops != 1 {
		t.Errorf("scanner stops = %d, want 1", sc.stops)
	}
}

func TestScanFailure(t *testing.T) {
	sc := &fakeScanner{}
	m, ev := newTestManager(t, &fakeTransport{}, sc, DefaultOptions())

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	sc.finish(&ble.ScanError{Code: 2, Err: errors.New("radio")})
	waitState(t, m, Disconnected)
	syncLoop(t, m)

	adv := ev.advisoryLog()
	if len(adv) != 1 || adv[0].Kind != ScanFailed {
		t.Fatalf("advisories = %v", adv)
	}
	var se *ble.ScanError
	if !errors.As(adv[0].Err, &se) || se.Code != 2 {
		t.Errorf("advisory error = %v", adv[0].Err)
	}
}

func TestScanWithoutDiscovery(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, nil, DefaultOptions())
	if err := m.StartScan(); !errors.Is(err, ErrNoDiscovery) {
		t.Errorf("err = %v, want ErrNoDiscovery", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := New(&fakeTransport{}, nil, DefaultOptions())
	defer m.Close()
	ev := &events{}
	unsubscribe := m.Subscribe(ev.subscriber())
	syncLoop(t, m)
	unsubscribe()
	unsubscribe()

	connectManager(t, m)
	if got := ev.stateLog(); len(got) != 1 {
		t.Errorf("states after unsubscribe = %v, want only the initial state", got)
	}
}

func TestClose(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, nil, DefaultOptions())
	connectManager(t, m)

	m.Close()
	m.Close()

	if tr.disconnects == 0 {
		t.Error("Close did not release the link")
	}
	if m.State() != Disconnected {
		t.Errorf("state = %v", m.State())
	}
	if err := m.Connect("AA:BB"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close: err = %v", err)
	}
	m.Disconnect()
}
