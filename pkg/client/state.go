package client

import "time"

// State of the connection state machine
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateFailed       State = "failed"
)

// ConnectionStatus is the payload of every connection_status event
type ConnectionStatus struct {
	State    State
	Previous State
	// Attempt is the reconnect attempt counter after the transition
	Attempt int
	// RetryIn is the delay before the next automatic attempt, zero when none is scheduled
	RetryIn time.Duration
	Err     error
}
