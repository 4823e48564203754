package session

import (
	"errors"
	"fmt"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("chat session not connected")
	// ErrReceiptTimeout is returned when the broker does not confirm a frame
	// within the receipt timeout.
	ErrReceiptTimeout = errors.New("timed out waiting for broker receipt")
	// ErrConnectionLost fails pending receipts when the socket drops.
	ErrConnectionLost = errors.New("chat connection lost")
	// ErrSessionClosed fails pending receipts on an explicit disconnect.
	ErrSessionClosed = errors.New("chat session closed")
)

// ConnectionError is returned by Connect. Op is "bootstrap", "dial" or
// "handshake".
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat connect (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
