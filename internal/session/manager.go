// Package session owns the connection to one kayak stabilizer. A Manager
// sequences scanning, connecting and disconnecting over a transport,
// decodes inbound telemetry and routes encoded commands to the device.
//
// All session state is owned by a single event loop goroutine. Transports
// and discovery are producers that post raw events into the loop's mailbox;
// subscriber callbacks run on the loop, one at a time, in event order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/transport"
)

// Scanner discovers devices for transports that need it. ble.Discovery
// implements it.
type Scanner interface {
	Start(filter string, window time.Duration, found func(ble.Device), done func(error)) error
	Stop()
}

// Options configures a Manager.
type Options struct {
	// Target is the address used by Connect("") before anything has been
	// discovered.
	Target string
	// NameFilter is the advertised-name substring scans match on.
	NameFilter string
	ScanWindow time.Duration
	// AutoConnect connects to the first device a scan finds.
	AutoConnect bool
	// LowBatteryVolts is the advisory threshold; zero disables it.
	LowBatteryVolts float64
	Dialect         protocol.Dialect
	// GainLimits holds the inclusive upper bound per protocol.GainKind.
	GainLimits [3]float64
	// Permission is asked before scanning and connecting. Nil grants all.
	// It may block, e.g. on a prompt.
	Permission func(ctx context.Context, c Capability) bool
}

// DefaultOptions returns the settings of the stock handheld app.
func DefaultOptions() Options {
	return Options{
		NameFilter:      "Kayak",
		ScanWindow:      ble.DefaultScanWindow,
		LowBatteryVolts: 3.3,
		Dialect:         protocol.DialectGATT,
		GainLimits:      [3]float64{10, 1, 10},
	}
}

// Subscriber receives session events. Every field is optional. Callbacks
// run on the session loop and must not call Manager methods that wait on
// the loop (StartScan, StopScan, SelectDevice, Connect, Disconnect, Close);
// hand those off to another goroutine.
type Subscriber struct {
	OnTelemetry   func(s protocol.Sample)
	OnLowBattery  func(volts float64)
	OnStateChange func(s State)
	OnDevices     func(devices []ble.Device)
	OnAdvisory    func(a Advisory)
	OnMalformed   func(err *protocol.TokenError)
}

type view struct {
	state         State
	devices       []ble.Device
	last          protocol.Sample
}

// Manager is the device session. Create it with New and release it with
// Close.
type Manager struct {
	transport transport.Transport
	scanner   Scanner
	opts      Options

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     *mailbox
	loopDone  chan struct{}
	closeOnce sync.Once

	subMu   sync.Mutex
	subs    map[uint64]Subscriber
	nextSub uint64

	viewMu sync.RWMutex
	view   view

	// Owned by the loop.
	state         State
	parser        *protocol.Parser
	framer        *protocol.LineFramer
	devices       []ble.Device
	selected      int
	attempt       uint64
	cancelConnect context.CancelFunc
	scanGen       uint64
	unavailable   bool
	closed        bool

	// cmdMu serializes commands and guards the commanded settings.
	cmdMu         sync.Mutex
	gains         [3]float64
	stabilization bool
}

// New starts a session over t. scanner may be nil for transports that
// connect to a configured address.
func New(t transport.Transport, scanner Scanner, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.GainLimits == ([3]float64{}) {
		opts.GainLimits = def.GainLimits
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: t,
		scanner:   scanner,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     newMailbox(),
		loopDone:  make(chan struct{}),
		subs:      make(map[uint64]Subscriber),
		parser:    protocol.NewParser(),
		framer:    protocol.NewLineFramer(protocol.MaxFrameBytes),
		selected:  -1,
	}
	go m.run()
	slog.Info("[SESSION] started", "transport", t.Kind(), "dialect", opts.Dialect)
	return m
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		batch, open := m.inbox.drain()
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			m.refreshView()
		}
		if !open {
			return
		}
		<-m.inbox.signal
	}
}

// post hands fn to the loop. Events posted after Close are dropped.
func (m *Manager) post(fn func()) {
	m.inbox.put(fn)
}

// call runs fn on the loop and waits for its result.
func (m *Manager) call(fn func() error) error {
	res := make(chan error, 1)
	ok := m.inbox.put(func() {
		err := fn()
		m.refreshView()
		res <- err
	})
	if !ok {
		return ErrClosed
	}
	return <-res
}

func (m *Manager) refreshView() {
	m.viewMu.Lock()
	m.view = view{
		state:         m.state,
		devices:       append([]ble.Device(nil), m.devices...),
		last:          m.parser.Last(),
	}
	m.viewMu.Unlock()
}

func (m *Manager) snapshot() view {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view
}

// State returns the current connection state.
func (m *Manager) State() State { return m.snapshot().state }

// Devices returns the devices found by the latest scan.
func (m *Manager) Devices() []ble.Device {
	return append([]ble.Device(nil), m.snapshot().devices...)
}

// Last returns the latest merged telemetry sample.
func (m *Manager) Last() protocol.Sample { return m.snapshot().last }

// Gains returns the last gains sent to the device, ordered P, I, D.
func (m *Manager) Gains() []protocol.GainSetting {
	m.cmdMu.Lock()
	g := m.gains
	m.cmdMu.Unlock()
	return []protocol.GainSetting{
		{Kind: protocol.GainP, Value: g[protocol.GainP]},
		{Kind: protocol.GainI, Value: g[protocol.GainI]},
		{Kind: protocol.GainD, Value: g[protocol.GainD]},
	}
}

// Stabilization reports the last stabilization mode sent to the device.
func (m *Manager) Stabilization() bool {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	return m.stabilization
}

// Subscribe registers s and delivers the current state to it. The returned
// function removes the subscription and may be called more than once.
func (m *Manager) Subscribe(s Subscriber) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = s
	m.subMu.Unlock()

	m.post(func() {
		m.subMu.Lock()
		_, ok := m.subs[id]
		m.subMu.Unlock()
		if ok && s.OnStateChange != nil {
			s.OnStateChange(m.state)
		}
	})

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) subscribers() []Subscriber {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]Subscriber, 0, len(m.subs))
	for id := uint64(1); id <= m.nextSub; id++ {
		if s, ok := m.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	slog.Info("[SESSION] state", "from", m.state, "to", s)
	m.state = s
	m.viewMu.Lock()
	m.view.state = s
	m.viewMu.Unlock()
	for _, sub := range m.subscribers() {
		if sub.OnStateChange != nil {
			sub.OnStateChange(s)
		}
	}
}

func (m *Manager) advise(a Advisory) {
	slog.Warn("[SESSION] advisory", "kind", a.Kind, "message", a.Message, "error", a.Err)
	for _, sub := range m.subscribers() {
		if sub.OnAdvisory != nil {
			sub.OnAdvisory(a)
		}
	}
}

func (m *Manager) publishDevices() {
	devs := append([]ble.Device(nil), m.devices...)
	for _, sub := range m.subscribers() {
		if sub.OnDevices != nil {
			sub.OnDevices(devs)
		}
	}
}

// StartScan opens a discovery window. Found devices are published through
// OnDevices; the session returns to Disconnected when the window closes.
func (m *Manager) StartScan() error {
	if m.scanner == nil {
		return ErrNoDiscovery
	}
	if !m.permitted(m.ctx, CapabilityScan) {
		m.post(func() {
			m.advise(Advisory{Kind: PermissionDenied, Message: "scan not permitted"})
		})
		return ErrPermissionDenied
	}
	return m.call(func() error {
		if m.closed {
			return ErrClosed
		}
		if m.unavailable {
			return ErrUnavailable
		}
		if m.state == Scanning {
			return nil
		}
		if m.state != Disconnected {
			return fmt.Errorf("%w: cannot scan while %s", ErrBusy, m.state)
		}

		m.scanGen++
		gen := m.scanGen
		m.devices = nil
		m.selected = -1
		err := m.scanner.Start(m.opts.NameFilter, m.opts.ScanWindow,
			func(d ble.Device) { m.post(func() { m.deviceFound(gen, d) }) },
			func(err error) { m.post(func() { m.scanDone(gen, err) }) },
		)
		if err != nil {
			m.advise(Advisory{Kind: ScanFailed, Message: "could not start scan", Err: err})
			return fmt.Errorf("session: start scan: %w", err)
		}
		m.setState(Scanning)
		m.publishDevices()
		return nil
	})
}

// StopScan ends the scan window early. It is a no-op when not scanning.
func (m *Manager) StopScan() {
	_ = m.call(func() error {
		if m.state == Scanning {
			m.stopScan()
			m.setState(Disconnected)
		}
		return nil
	})
}

// stopScan invalidates the running scan so its completion is ignored.
func (m *Manager) stopScan() {
	if m.scanner == nil {
		return
	}
	m.scanGen++
	m.scanner.Stop()
}

func (m *Manager) deviceFound(gen uint64, d ble.Device) {
	if gen != m.scanGen || m.state != Scanning {
		return
	}
	m.devices = append(m.devices, d)
	m.publishDevices()
	if m.opts.AutoConnect && len(m.devices) == 1 {
		slog.Info("[SESSION] auto-selecting first device", "name", d.Name, "address", d.Address)
		m.selected = 0
		if err := m.connect(d.Address); err != nil {
			slog.Warn("[SESSION] auto-connect failed", "error", err)
		}
	}
}

func (m *Manager) scanDone(gen uint64, err error) {
	if gen != m.scanGen {
		return
	}
	if m.state == Scanning {
		m.setState(Disconnected)
	}
	if err != nil {
		m.advise(Advisory{Kind: ScanFailed, Message: "scan stopped by radio error", Err: err})
	}
}

// SelectDevice picks a discovered device as the connect target. While
// scanning it also starts connecting to it.
func (m *Manager) SelectDevice(i int) error {
	return m.call(func() error {
		if i < 0 || i >= len(m.devices) {
			return fmt.Errorf("%w: %d", ErrNoDevice, i)
		}
		m.selected = i
		if m.state == Scanning {
			return m.connect(m.devices[i].Address)
		}
		return nil
	})
}

// Connect starts connecting to target and returns once the session is
// Connecting. An empty target means the selected or first discovered
// device, then the configured address. The outcome is published as a state
// change and, on failure, an advisory.
func (m *Manager) Connect(target string) error {
	return m.call(func() error {
		if target == "" {
			target = m.defaultTarget()
		}
		return m.connect(target)
	})
}

func (m *Manager) defaultTarget() string {
	switch {
	case m.selected >= 0 && m.selected < len(m.devices):
		return m.devices[m.selected].Address
	case len(m.devices) > 0:
		return m.devices[0].Address
	default:
		return m.opts.Target
	}
}

func (m *Manager) connect(target string) error {
	if m.closed {
		return ErrClosed
	}
	if m.unavailable {
		return ErrUnavailable
	}
	if m.state == Connecting || m.state == Connected {
		return fmt.Errorf("%w: already %s", ErrBusy, m.state)
	}
	if target == "" {
		return ErrNoTarget
	}
	if m.state == Scanning {
		m.stopScan()
	}

	m.attempt++
	attempt := m.attempt
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelConnect = cancel
	m.parser.Reset()
	m.framer.Reset()
	m.setState(Connecting)

	go m.dial(ctx, attempt, target)
	return nil
}

// dial runs off the loop; the transport's Connect may block.
func (m *Manager) dial(ctx context.Context, attempt uint64, target string) {
	if !m.permitted(ctx, CapabilityConnect) {
		m.post(func() { m.connectDone(attempt, target, ErrPermissionDenied) })
		return
	}
	h := transport.Handlers{
		OnData: func(chunk []byte) { m.post(func() { m.received(attempt, chunk) }) },
		OnDrop: func(err error) { m.post(func() { m.dropped(attempt, err) }) },
	}
	err := m.transport.Connect(ctx, target, h)
	m.post(func() { m.connectDone(attempt, target, err) })
}

func (m *Manager) connectDone(attempt uint64, target string, err error) {
	if attempt != m.attempt || m.state != Connecting {
		if err == nil && m.state == Disconnected {
			// Abandoned attempt that still produced a link.
			_ = m.transport.Disconnect()
		}
		return
	}
	m.cancelConnect = nil

	if err != nil {
		m.setState(Disconnected)
		kind := classifyConnect(err)
		if kind == TransportUnavailable {
			m.unavailable = true
		}
		m.advise(Advisory{Kind: kind, Message: "could not connect to " + target, Err: err})
		return
	}
	slog.Info("[SESSION] connected", "target", target, "transport", m.transport.Kind())
	m.setState(Connected)
}

func (m *Manager) received(attempt uint64, chunk []byte) {
	if attempt != m.attempt || (m.state != Connecting && m.state != Connected) {
		return
	}
	for _, frame := range m.framer.Feed(chunk) {
		m.handleFrame(frame)
	}
}

func (m *Manager) handleFrame(frame string) {
	sample, bad := m.parser.Parse(frame)
	subs := m.subscribers()
	for _, terr := range bad {
		slog.Warn("[SESSION] malformed telemetry token", "token", terr.Token, "error", terr.Err)
		for _, sub := range subs {
			if sub.OnMalformed != nil {
				sub.OnMalformed(terr)
			}
		}
	}
	if sample.Updated == 0 {
		return
	}
	for _, sub := range subs {
		if sub.OnTelemetry != nil {
			sub.OnTelemetry(sample)
		}
	}
	if m.opts.LowBatteryVolts > 0 && protocol.LowBattery(sample, m.opts.LowBatteryVolts) {
		slog.Warn("[SESSION] low battery", "volts", sample.Battery, "threshold", m.opts.LowBatteryVolts)
		for _, sub := range subs {
			if sub.OnLowBattery != nil {
				sub.OnLowBattery(sample.Battery)
			}
		}
	}
}

func (m *Manager) dropped(attempt uint64, err error) {
	if attempt != m.attempt || (m.state != Connecting && m.state != Connected) {
		return
	}
	// A stream link can drop before its connect result reaches the loop.
	kind := LinkLost
	if m.state == Connecting {
		kind = ConnectionFailed
	}
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.attempt++
	_ = m.transport.Disconnect()
	m.setState(Disconnected)
	msg := "device closed the link"
	if err != nil {
		msg = "link lost"
	}
	m.advise(Advisory{Kind: kind, Message: msg, Err: err})
}

// Disconnect releases the link, cancels a pending connect or stops a scan.
// It is safe in any state and after Close.
func (m *Manager) Disconnect() {
	_ = m.call(func() error {
		m.release()
		return nil
	})
}

func (m *Manager) release() {
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if m.state == Scanning {
		m.stopScan()
	}
	m.attempt++
	if err := m.transport.Disconnect(); err != nil {
		slog.Warn("[SESSION] disconnect error", "error", err)
	}
	m.setState(Disconnected)
}

// Close disconnects and stops the session loop. It is idempotent; every
// operation afterwards fails with ErrClosed or does nothing.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.call(func() error {
			m.release()
			m.closed = true
			return nil
		})
		m.cancel()
		m.inbox.close()
		<-m.loopDone
		slog.Info("[SESSION] closed")
	})
}

func (m *Manager) permitted(ctx context.Context, c Capability) bool {
	if m.opts.Permission == nil {
		return true
	}
	if m.opts.Permission(ctx, c) {
		return true
	}
	slog.Warn("[SESSION] permission denied", "capability", c)
	return false
}

// SendGain validates g against the configured limits and sends it.
func (m *Manager) SendGain(g protocol.GainSetting) error {
	if g.Kind < protocol.GainP || g.Kind > protocol.GainD {
		return fmt.Errorf("%w: unknown gain %v", ErrGainOutOfRange, g.Kind)
	}
	limit := m.opts.GainLimits[g.Kind]
	if math.IsNaN(g.Value) || g.Value < 0 || g.Value > limit {
		return fmt.Errorf("%w: %s=%v not in [0, %v]", ErrGainOutOfRange, g.Kind, g.Value, limit)
	}
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if err := m.send(protocol.SetGain{Gain: g}); err != nil {
		return err
	}
	m.gains[g.Kind] = g.Value
	return nil
}

// ToggleStabilization flips the stabilization mode. Concurrent toggles
// alternate ON and OFF in the order they reach the device.
func (m *Manager) ToggleStabilization() error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	on := !m.stabilization
	if err := m.send(protocol.SetStabilization{Enabled: on}); err != nil {
		return err
	}
	m.stabilization = on
	return nil
}

// EmergencyStop halts the actuators.
func (m *Manager) EmergencyStop() error { return m.command(protocol.EmergencyStop{}) }

// EmergencyReset clears an emergency stop.
func (m *Manager) EmergencyReset() error { return m.command(protocol.EmergencyReset{}) }

// RequestStatus asks the device to report its status.
func (m *Manager) RequestStatus() error { return m.command(protocol.RequestStatus{}) }

func (m *Manager) command(cmd protocol.Command) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	return m.send(cmd)
}

// send encodes and writes cmd on the caller's goroutine. Nothing is written
// unless the session is Connected. Callers hold cmdMu.
func (m *Manager) send(cmd protocol.Command) error {
	if st := m.State(); st != Connected {
		slog.Debug("[SESSION] command rejected", "state", st)
		return transport.ErrNotConnected
	}
	line, err := protocol.Encode(cmd, m.opts.Dialect)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := m.transport.Send(line); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return err
		}
		m.post(func() {
			m.advise(Advisory{Kind: SendFailed, Message: "could not send " + line, Err: err})
		})
		return fmt.Errorf("session: send %s: %w", line, err)
	}
	slog.Debug("[SESSION] sent", "line", line)
	return nil
}
