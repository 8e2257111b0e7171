package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Scan       key.Binding
	StopScan   key.Binding
	Up         key.Binding
	Down       key.Binding
	Select     key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	NextGain   key.Binding
	GainDown   key.Binding
	GainUp     key.Binding
	Toggle     key.Binding
	Stop       key.Binding
	Reset      key.Binding
	Status     key.Binding
	Help       key.Binding
	Quit       key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Scan:       key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "scan")),
		StopScan:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop scan")),
		Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "prev device")),
		Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next device")),
		Select:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select device")),
		Connect:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect")),
		Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
		NextGain:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next gain")),
		GainDown:   key.NewBinding(key.WithKeys("left", "h", "-"), key.WithHelp("←/-", "gain down")),
		GainUp:     key.NewBinding(key.WithKeys("right", "l", "+"), key.WithHelp("→/+", "gain up")),
		Toggle:     key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "stabilization")),
		Stop:       key.NewBinding(key.WithKeys(" ", "e"), key.WithHelp("space/e", "EMERGENCY STOP")),
		Reset:      key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset emergency")),
		Status:     key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "get status")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Stop, k.Connect, k.Disconnect, k.Toggle, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Scan, k.StopScan, k.Up, k.Down, k.Select},
		{k.Connect, k.Disconnect, k.Status},
		{k.NextGain, k.GainDown, k.GainUp, k.Toggle},
		{k.Stop, k.Reset, k.Help, k.Quit},
	}
}
