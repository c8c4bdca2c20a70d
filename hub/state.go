package hub

import "fmt"

// ConnState is the lifecycle state of the hub connection.
type ConnState int

const (
	// Disconnected means no connection exists and none is being made.
	Disconnected ConnState = iota
	// Connecting means the initial dial and handshake are in progress.
	Connecting
	// Connected means the connection is established and usable.
	Connected
	// Reconnecting means the connection dropped and is being restored.
	Reconnecting
	// Failed means reconnection gave up. Only an explicit Connect leaves
	// this state.
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}
