// Package local provides an in-process messaging network. It speaks
// the same pairing and credential flow as a real network, so the whole
// session pipeline can run without external connectivity: pairing codes
// are confirmed through the Network API and outbound messages are
// recorded instead of leaving the process.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostwise/hostwise/internal/session"
)

// ErrUnknownCode is returned by Confirm for a pairing code with no
// waiting socket.
var ErrUnknownCode = errors.New("unknown pairing code")

// ErrNotConnected is returned when no authenticated socket exists for
// the identity.
var ErrNotConnected = errors.New("identity not connected")

const pairingTTL = time.Minute

type storedIdentity struct {
	Identity string `json:"identity"`
}

// Delivery is one outbound message the network accepted.
type Delivery struct {
	Identity  string
	Recipient string
	Payload   session.Payload
	SentAt    time.Time
}

// Network is the in-process network hub. It implements session.Client.
type Network struct {
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]*socket // by pairing code
	connected map[string]*socket // by identity
	outbox    []Delivery
}

// NewNetwork creates an empty Network.
func NewNetwork(log *slog.Logger) *Network {
	if log == nil {
		log = slog.Default()
	}
	return &Network{
		logger:    log.With(slog.String("component", "local_network")),
		pending:   map[string]*socket{},
		connected: map[string]*socket{},
	}
}

// Open creates a socket. With no credential the socket waits in the
// pairing flow; with one it authenticates immediately.
func (n *Network) Open(_ context.Context, credential []byte) (session.Socket, error) {
	s := newSocket(n)

	if len(credential) == 0 {
		code := newPairingCode()
		n.mu.Lock()
		n.pending[code] = s
		n.mu.Unlock()
		s.emit(session.PairingCode{Code: code, ExpiresIn: pairingTTL})
		return s, nil
	}

	var stored storedIdentity
	if err := json.Unmarshal(credential, &stored); err != nil || stored.Identity == "" {
		s.emit(session.Disconnected{Reason: session.ReasonCredentialInvalid, Err: fmt.Errorf("malformed credential")})
		return s, nil
	}

	n.attach(stored.Identity, s)
	s.emit(session.Authenticated{Identity: stored.Identity})
	return s, nil
}

// Confirm completes pairing: the socket waiting on the code receives a
// credential for the identity and authenticates.
func (n *Network) Confirm(code, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	n.mu.Lock()
	s, ok := n.pending[code]
	if ok {
		delete(n.pending, code)
	}
	n.mu.Unlock()
	if !ok {
		return ErrUnknownCode
	}

	credential, err := json.Marshal(storedIdentity{Identity: identity})
	if err != nil {
		return err
	}
	n.attach(identity, s)
	s.emit(session.CredentialUpdate{Data: credential})
	s.emit(session.Authenticated{Identity: identity})
	n.logger.Info("pairing confirmed", slog.String("identity", identity))
	return nil
}

// Inject delivers an inbound message to the identity's socket, as if a
// guest had written in.
func (n *Network) Inject(identity, sender, text string) error {
	n.mu.Lock()
	s := n.connected[identity]
	n.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	s.emit(session.MessageReceived{
		MessageID: uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Logout revokes the identity's session remotely.
func (n *Network) Logout(identity string) error {
	n.mu.Lock()
	s := n.connected[identity]
	n.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	s.emit(session.Disconnected{Reason: session.ReasonLoggedOut})
	return nil
}

// Drop kills the identity's socket with a transient network error.
func (n *Network) Drop(identity string) error {
	n.mu.Lock()
	s := n.connected[identity]
	n.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	s.emit(session.Disconnected{Reason: session.ReasonNetwork, Err: fmt.Errorf("connection dropped")})
	return nil
}

// Deliveries returns every outbound message the network accepted.
func (n *Network) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Delivery, len(n.outbox))
	copy(out, n.outbox)
	return out
}

func (n *Network) attach(identity string, s *socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s.identity = identity
	n.connected[identity] = s
}

func (n *Network) detach(s *socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.identity != "" && n.connected[s.identity] == s {
		delete(n.connected, s.identity)
	}
	for code, pending := range n.pending {
		if pending == s {
			delete(n.pending, code)
		}
	}
}

func (n *Network) recordDelivery(d Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outbox = append(n.outbox, d)
}

type socket struct {
	network  *Network
	identity string

	mu     sync.Mutex
	events chan session.Event
	closed bool
}

func newSocket(n *Network) *socket {
	return &socket{
		network: n,
		events:  make(chan session.Event, 64),
	}
}

func (s *socket) Events() <-chan session.Event {
	return s.events
}

func (s *socket) Send(_ context.Context, recipient string, payload session.Payload) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("socket closed")
	}
	s.network.recordDelivery(Delivery{
		Identity:  s.identity,
		Recipient: recipient,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
	return nil
}

func (s *socket) Close(context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	s.network.detach(s)
	return nil
}

// emit drops the event when the socket is closed or its buffer is
// full; the local network never blocks a caller.
func (s *socket) emit(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func newPairingCode() string {
	id := uuid.NewString()
	return id[:4] + "-" + id[4:8]
}
