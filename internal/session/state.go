package session

import "fmt"

// State is the connection state of a session. Exactly one holds at a time.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
