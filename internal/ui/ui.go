// Package ui is the terminal front end: a Bubble Tea program that renders
// session telemetry and turns key presses into session calls.
//
// Session events arrive on the session loop and are re-posted onto the
// program's own event loop with tea.Program.Send, so the model is only ever
// touched from Bubble Tea's goroutine.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/kayakctl/internal/ble"
	"github.com/chaz8081/kayakctl/internal/protocol"
	"github.com/chaz8081/kayakctl/internal/session"
)

const (
	maxLogLines = 8
	sliderMax   = 100
)

// Session is the part of session.Manager the UI drives.
type Session interface {
	StartScan() error
	StopScan()
	SelectDevice(i int) error
	Connect(target string) error
	Disconnect()
	SendGain(g protocol.GainSetting) error
	ToggleStabilization() error
	EmergencyStop() error
	EmergencyReset() error
	RequestStatus() error
	Gains() []protocol.GainSetting
}

// Messages re-posted from the session loop.
type (
	stateMsg      session.State
	telemetryMsg  protocol.Sample
	devicesMsg    []ble.Device
	advisoryMsg   session.Advisory
	lowBatteryMsg float64
	malformedMsg  struct{ err *protocol.TokenError }
	// resultMsg reports the outcome of a session call made from a tea.Cmd.
	resultMsg struct {
		op  string
		err error
	}
)

// Subscriber forwards session events to send, normally (*tea.Program).Send.
func Subscriber(send func(tea.Msg)) session.Subscriber {
	return session.Subscriber{
		OnStateChange: func(s session.State) { send(stateMsg(s)) },
		OnTelemetry:   func(s protocol.Sample) { send(telemetryMsg(s)) },
		OnDevices:     func(d []ble.Device) { send(devicesMsg(d)) },
		OnAdvisory:    func(a session.Advisory) { send(advisoryMsg(a)) },
		OnLowBattery:  func(v float64) { send(lowBatteryMsg(v)) },
		OnMalformed:   func(err *protocol.TokenError) { send(malformedMsg{err: err}) },
	}
}

// Options describes what the transport can do.
type Options struct {
	Title     string
	Transport string
	Target    string
	// CanScan is false for transports that connect to a fixed address.
	CanScan bool
}

// Model is the Bubble Tea model.
type Model struct {
	sess Session
	opts Options
	keys keyMap
	help help.Model

	state         session.State
	devices       []ble.Device
	cursor        int
	sample        protocol.Sample
	hasSample     bool
	lowBattery    bool
	stabilization bool
	sliders       [3]int // slider position per protocol.GainKind
	focus         protocol.GainKind
	log           []string
	malformed     int

	width    int
	quitting bool
	now      func() time.Time
}

// New creates the model. Gains start at whatever the session last sent.
func New(sess Session, opts Options) Model {
	m := Model{
		sess:  sess,
		opts:  opts,
		keys:  defaultKeys(),
		help:  help.New(),
		width: 80,
		now:   time.Now,
	}
	for _, g := range sess.Gains() {
		m.sliders[g.Kind] = protocol.SliderPosition(g)
	}
	return m
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		m.state = session.State(msg)
		m.logf("state: %s", m.state)
		if m.state == session.Disconnected {
			m.lowBattery = false
		}

	case telemetryMsg:
		m.sample = protocol.Sample(msg)
		m.hasSample = true
		if m.sample.Carries(protocol.FieldBattery) {
			m.lowBattery = false
		}

	case lowBatteryMsg:
		m.lowBattery = true

	case devicesMsg:
		m.devices = []ble.Device(msg)
		if m.cursor >= len(m.devices) {
			m.cursor = 0
		}

	case advisoryMsg:
		m.logf("%s", session.Advisory(msg))

	case malformedMsg:
		m.malformed++

	case resultMsg:
		if msg.err == nil {
			break
		}
		m.logf("%s: %v", msg.op, msg.err)
		switch {
		case msg.op == "stabilization":
			m.stabilization = !m.stabilization
		case strings.HasPrefix(msg.op, "gain "):
			for _, g := range m.sess.Gains() {
				m.sliders[g.Kind] = protocol.SliderPosition(g)
			}
		}
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Stop):
		return m, m.run("emergency stop", m.sess.EmergencyStop)
	case key.Matches(msg, m.keys.Reset):
		return m, m.run("emergency reset", m.sess.EmergencyReset)
	case key.Matches(msg, m.keys.Status):
		return m, m.run("status", m.sess.RequestStatus)
	case key.Matches(msg, m.keys.Toggle):
		if m.state != session.Connected {
			m.logf("not connected")
			return m, nil
		}
		m.stabilization = !m.stabilization
		return m, m.run("stabilization", m.sess.ToggleStabilization)
	case key.Matches(msg, m.keys.Scan):
		if !m.opts.CanScan {
			m.logf("%s has no discovery; press c to connect", m.opts.Transport)
			return m, nil
		}
		return m, m.run("scan", m.sess.StartScan)
	case key.Matches(msg, m.keys.StopScan):
		return m, m.run("stop scan", func() error { m.sess.StopScan(); return nil })
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Select):
		i := m.cursor
		return m, m.run("select", func() error { return m.sess.SelectDevice(i) })
	case key.Matches(msg, m.keys.Connect):
		return m, m.run("connect", func() error { return m.sess.Connect("") })
	case key.Matches(msg, m.keys.Disconnect):
		return m, m.run("disconnect", func() error { m.sess.Disconnect(); return nil })
	case key.Matches(msg, m.keys.NextGain):
		m.focus = (m.focus + 1) % 3
	case key.Matches(msg, m.keys.GainDown):
		return m.adjustGain(m.focus, -1)
	case key.Matches(msg, m.keys.GainUp):
		return m.adjustGain(m.focus, 1)
	}
	return m, nil
}

// adjustGain moves one gain slider and sends the new value.
func (m Model) adjustGain(kind protocol.GainKind, delta int) (tea.Model, tea.Cmd) {
	pos := m.sliders[kind] + delta
	if pos < 0 || pos > sliderMax {
		return m, nil
	}
	m.sliders[kind] = pos
	g := protocol.SliderGain(kind, pos)
	return m, m.run("gain "+kind.String(), func() error { return m.sess.SendGain(g) })
}

// run calls a session operation off the Bubble Tea loop; some of them wait
// on the session loop.
func (m Model) run(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{op: op, err: fn()}
	}
}

func (m *Model) logf(format string, args ...any) {
	line := m.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Width(12)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	focusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("12"))
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var s strings.Builder

	title := m.opts.Title
	if title == "" {
		title = "KAYAK STABILIZER"
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString(" ")
	s.WriteString(m.stateLabel())
	s.WriteString(dimStyle.Render(fmt.Sprintf("  %s %s", m.opts.Transport, m.opts.Target)))
	s.WriteString("\n\n")

	panels := []string{boxStyle.Render(m.telemetryView()), boxStyle.Render(m.controlView())}
	if m.opts.CanScan {
		panels = append(panels, boxStyle.Render(m.devicesView()))
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, panels...))
	s.WriteString("\n")

	for _, line := range m.log {
		s.WriteString(dimStyle.Render(line))
		s.WriteString("\n")
	}
	s.WriteString("\n")
	s.WriteString(m.help.View(m.keys))
	return s.String()
}

func (m Model) stateLabel() string {
	switch m.state {
	case session.Connected:
		return valueStyle.Render("● connected")
	case session.Connecting, session.Scanning:
		return warningStyle.Render("◌ " + m.state.String())
	default:
		return errorStyle.Render("○ disconnected")
	}
}

func (m Model) telemetryView() string {
	row := func(label string, f protocol.Field, v float64, unit string) string {
		val := "--"
		if m.hasSample && m.sample.Has(f) {
			val = fmt.Sprintf("%6.2f%s", v, unit)
		}
		return labelStyle.Render(label) + valueStyle.Render(val)
	}
	lines := []string{
		row("Roll", protocol.FieldRoll, m.sample.Roll, "°"),
		row("Pitch", protocol.FieldPitch, m.sample.Pitch, "°"),
		row("Battery", protocol.FieldBattery, m.sample.Battery, " V"),
	}
	if m.lowBattery {
		lines = append(lines, errorStyle.Render("LOW BATTERY"))
	}
	if m.malformed > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("%d bad tokens", m.malformed)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) controlView() string {
	var lines []string
	for _, kind := range []protocol.GainKind{protocol.GainP, protocol.GainI, protocol.GainD} {
		g := protocol.SliderGain(kind, m.sliders[kind])
		label := "K" + kind.String()
		if kind == m.focus {
			label = focusStyle.Render(label)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", label, gainBar(m.sliders[kind]), protocol.FormatValue(g.Value)))
	}
	stab := dimStyle.Render("OFF")
	if m.stabilization {
		stab = valueStyle.Render("ON")
	}
	lines = append(lines, labelStyle.Render("Stabilizer")+stab)
	return strings.Join(lines, "\n")
}

func gainBar(pos int) string {
	const width = 20
	filled := pos * width / sliderMax
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func (m Model) devicesView() string {
	if len(m.devices) == 0 {
		if m.state == session.Scanning {
			return warningStyle.Render("Scanning...")
		}
		return dimStyle.Render("No devices (s to scan)")
	}
	var lines []string
	for i, d := range m.devices {
		line := fmt.Sprintf("%s %s (%d dBm)", d.Name, d.Address, d.RSSI)
		if i == m.cursor {
			line = focusStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
