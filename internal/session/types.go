// Package session owns the per-tenant messaging connections: the
// connection state machine that drives one protocol socket through
// pairing, authentication, and reconnection, and the registry that
// enforces at most one active machine per tenant.
package session

import (
	"context"
	"strings"
	"time"
)

// State identifies where a tenant's connection machine is in its
// lifecycle.
type State string

const (
	// StateDisconnected is the initial state, also entered after an
	// unrecoverable error, an abandoned pairing, or reconnect exhaustion.
	StateDisconnected State = "disconnected"
	// StateConnecting means a new protocol socket is being opened.
	StateConnecting State = "connecting"
	// StatePairing means a pairing code is on display, waiting for the
	// remote device to confirm it.
	StatePairing State = "pairing"
	// StateAuthenticated is the operational state.
	StateAuthenticated State = "authenticated"
	// StateReconnecting means the machine is backing off before another
	// connection attempt.
	StateReconnecting State = "reconnecting"
	// StateLoggedOut is terminal: the remote side revoked the session.
	// Only a brand-new start request leaves it.
	StateLoggedOut State = "logged_out"
)

// String returns the state as a plain string.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether the machine's event loop has nothing left to
// do in this state.
func (s State) Terminal() bool {
	return s == StateLoggedOut
}

// Status is the operator-facing view of one tenant session. The pairing
// fields are populated only while the machine is in StatePairing.
type Status struct {
	TenantID         string    `json:"tenant_id"`
	State            State     `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	PairingCode      string    `json:"pairing_code,omitempty"`
	PairingExpiresAt time.Time `json:"pairing_expires_at,omitzero"`
	PhoneIdentity    string    `json:"phone_identity,omitempty"`
	LastActivityAt   time.Time `json:"last_activity_at,omitzero"`
	ReconnectAttempt int       `json:"reconnect_attempt,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Payload is outbound message content: text or a media reference.
type Payload struct {
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// IsEmpty reports whether the payload carries no content.
func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.MediaRef) == ""
}

// InboundSink receives messages arriving on an authenticated socket.
// Implementations must not block the connection's event loop for long;
// delivery isolation is the sink's responsibility.
type InboundSink interface {
	HandleMessage(ctx context.Context, tenantID string, msg MessageReceived)
}

// Config tunes the connection state machine. It is the static
// "connection strategy" for the messaging network: dial timeouts,
// pairing window, and reconnect policy. Zero values are filled with
// defaults.
type Config struct {
	// DialTimeout bounds a single socket open.
	DialTimeout time.Duration
	// PairingWindow is the validity window for a pairing code when the
	// protocol does not supply one.
	PairingWindow time.Duration
	// PairingMaxRefreshes caps how many fresh codes are requested after
	// the first one expires before pairing is abandoned.
	PairingMaxRefreshes int
	// ReconnectBase is the first reconnect delay; it doubles per attempt
	// up to ReconnectMax, with jitter.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReconnectMaxAttempts bounds automatic reconnection; beyond it the
	// machine parks in StateDisconnected and asks for a manual restart.
	ReconnectMaxAttempts int
}

func normalizeConfig(cfg Config) Config {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.PairingWindow <= 0 {
		cfg.PairingWindow = time.Minute
	}
	if cfg.PairingMaxRefreshes <= 0 {
		cfg.PairingMaxRefreshes = 5
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 8
	}
	return cfg
}
