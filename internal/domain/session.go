package domain

import (
	"io"
	"time"
)

// SessionState is the lifecycle state of a transport session.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateFailed       SessionState = "failed"
)

// SessionStatus is a point-in-time snapshot of a session.
type SessionStatus struct {
	State          SessionState `json:"state"`
	Address        string       `json:"port,omitempty"`
	BaudRate       int          `json:"baud_rate,omitempty"`
	ConnectedSince time.Time    `json:"connected_since,omitzero"`
}

// Connected reports whether the snapshot holds an open transport.
func (s SessionStatus) Connected() bool { return s.State == StateConnected }

// Transport is an open serial link. Read returns (0, nil) when the read
// timeout elapses with no data.
type Transport interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
	Drain() error
}

// TransportOpener opens a transport to the named endpoint.
type TransportOpener interface {
	Open(address string, baudRate int, ioTimeout time.Duration) (Transport, error)
}
