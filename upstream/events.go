package upstream

import "encoding/json"

// Reason says why an established connection to the source ended.
type Reason string

const (
	// ReasonServerDisconnect: the source closed the connection on purpose.
	// The socket does not retry on its own after this.
	ReasonServerDisconnect Reason = "server disconnect"
	// ReasonTransportError: the connection broke. The socket retries.
	ReasonTransportError Reason = "transport error"
)

// Event is anything the socket reports to its consumer.
type Event interface {
	event()
}

// Connected is reported after a successful dial. Attempts is the number of
// failed dials that preceded it.
type Connected struct {
	Attempts int
}

// ConnectError is reported for each failed dial.
type ConnectError struct {
	Attempt int
	Err     error
}

// ReconnectAttempt is reported before each retry dial.
type ReconnectAttempt struct {
	Attempt int
}

// ReconnectFailed is reported when the socket stops retrying.
type ReconnectFailed struct {
	Attempts int
}

type Disconnected struct {
	Reason Reason
	Err    error
}

// Message is one event received from the source.
type Message struct {
	Name string
	Data json.RawMessage
}

func (Connected) event()        {}
func (ConnectError) event()     {}
func (ReconnectAttempt) event() {}
func (ReconnectFailed) event()  {}
func (Disconnected) event()     {}
func (Message) event()          {}
