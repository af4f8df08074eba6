package session

import (
	"context"
	"time"
)

// Client opens sockets to the external messaging network. A credential
// of nil means no stored pairing material: the network will issue
// pairing codes on the resulting socket.
type Client interface {
	Open(ctx context.Context, credential []byte) (Socket, error)
}

// Socket is one live protocol connection. The connection state machine
// is the sole owner of a socket: it is the only consumer of Events and
// the only caller of Close. Events is closed when the socket dies.
type Socket interface {
	Events() <-chan Event
	Send(ctx context.Context, recipient string, payload Payload) error
	Close(ctx context.Context) error
}

// Event is a typed protocol event pushed by the socket. Exactly the
// types below implement it.
type Event interface {
	isEvent()
}

// PairingCode is issued while the session awaits device confirmation.
type PairingCode struct {
	Code string
	// ExpiresIn is the protocol-advertised validity window; zero means
	// the machine applies its configured pairing window.
	ExpiresIn time.Duration
}

// Authenticated confirms the session: either a stored credential was
// accepted or a pairing code was confirmed on the remote device.
type Authenticated struct {
	// Identity is the phone identity bound to this session.
	Identity string
}

// CredentialUpdate carries rotated pairing material that must be
// persisted immediately.
type CredentialUpdate struct {
	Data []byte
}

// MessageReceived is an inbound message from the network.
type MessageReceived struct {
	MessageID string
	Sender    string
	Text      string
	MediaRef  string
	Timestamp time.Time
}

// Disconnected reports that the socket is gone and why.
type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

func (PairingCode) isEvent()      {}
func (Authenticated) isEvent()    {}
func (CredentialUpdate) isEvent() {}
func (MessageReceived) isEvent()  {}
func (Disconnected) isEvent()     {}

// DisconnectReason classifies a disconnect into recoverable transport
// conditions and unrecoverable remote revocations.
type DisconnectReason string

const (
	ReasonNetwork           DisconnectReason = "network"
	ReasonRemoteRestart     DisconnectReason = "remote_restart"
	ReasonLoggedOut         DisconnectReason = "logged_out"
	ReasonCredentialInvalid DisconnectReason = "credential_invalid"
	ReasonBanned            DisconnectReason = "banned"
)

// String returns the reason as a plain string.
func (r DisconnectReason) String() string {
	return string(r)
}

// Recoverable reports whether the machine should reconnect
// automatically. Unknown reasons are treated as recoverable so a new
// protocol condition degrades to retry rather than logout.
func (r DisconnectReason) Recoverable() bool {
	switch r {
	case ReasonLoggedOut, ReasonCredentialInvalid, ReasonBanned:
		return false
	default:
		return true
	}
}
