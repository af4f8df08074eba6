package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hostwise/hostwise/internal/credential"
)

// ErrNotReady is returned by Send while the session is not
// authenticated.
var ErrNotReady = errors.New("session not ready")

type outcomeKind int

const (
	outcomeStopped outcomeKind = iota
	outcomeRecoverable
	outcomePairingRefresh
	outcomePairingAbandoned
	outcomeLoggedOut
)

type outcome struct {
	kind   outcomeKind
	reason string
	// authed records whether this connection reached AUTHENTICATED,
	// which resets the reconnect budget.
	authed bool
}

// Machine drives one tenant's protocol connection through its
// lifecycle. All state transitions happen on the machine's own event
// loop goroutine; other goroutines only read Status or call Send/Stop.
type Machine struct {
	tenantID   string
	client     Client
	creds      credential.Store
	cfg        Config
	logger     *slog.Logger
	sink       InboundSink
	onTerminal func(tenantID string, m *Machine)

	mu     sync.Mutex
	status Status
	socket Socket

	cancel context.CancelFunc
	done   chan struct{}
}

func newMachine(tenantID string, client Client, creds credential.Store, sink InboundSink, cfg Config, log *slog.Logger, onTerminal func(string, *Machine)) *Machine {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now().UTC()
	return &Machine{
		tenantID:   tenantID,
		client:     client,
		creds:      creds,
		cfg:        normalizeConfig(cfg),
		logger:     log.With(slog.String("component", "session"), slog.String("tenant_id", tenantID)),
		sink:       sink,
		onTerminal: onTerminal,
		status: Status{
			TenantID:  tenantID,
			State:     StateDisconnected,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
}

// start launches the event loop. The loop is decoupled from the
// request context that triggered it.
func (m *Machine) start(ctx context.Context) {
	loopCtx := context.Background()
	if ctx != nil {
		loopCtx = context.WithoutCancel(ctx)
	}
	loopCtx, m.cancel = context.WithCancel(loopCtx)
	go m.run(loopCtx)
}

// Status returns a copy of the current session status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Finished reports whether the event loop has exited.
func (m *Machine) Finished() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Send delivers an outbound payload through the live socket. It fails
// with ErrNotReady unless the machine is authenticated.
func (m *Machine) Send(ctx context.Context, recipient string, payload Payload) error {
	m.mu.Lock()
	sock := m.socket
	ready := m.status.State == StateAuthenticated
	m.mu.Unlock()
	if !ready || sock == nil {
		return ErrNotReady
	}
	if err := sock.Send(ctx, recipient, payload); err != nil {
		return err
	}
	m.touch()
	return nil
}

// Stop cancels the event loop, closes the socket, and waits for the
// loop to exit. Any pending reconnect backoff is interrupted rather
// than waited out.
func (m *Machine) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock != nil {
		_ = sock.Close(ctx)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	attempt := 0
	pairingRefreshes := 0
	for {
		result := m.connectOnce(ctx, &pairingRefreshes)
		if result.authed {
			attempt = 0
			pairingRefreshes = 0
		}
		switch result.kind {
		case outcomeStopped:
			m.setState(StateDisconnected, "stopped")
			return
		case outcomeLoggedOut:
			if m.onTerminal != nil {
				m.onTerminal(m.tenantID, m)
			}
			return
		case outcomePairingAbandoned:
			m.setState(StateDisconnected, "pairing abandoned")
			return
		case outcomePairingRefresh:
			// Redial for a fresh pairing code; not counted against the
			// reconnect budget.
			continue
		case outcomeRecoverable:
			attempt++
			if attempt > m.cfg.ReconnectMaxAttempts {
				m.logger.Error("reconnect attempts exhausted", slog.Int("attempts", attempt-1))
				m.setState(StateDisconnected, "manual restart required")
				return
			}
			m.setReconnecting(attempt, result.reason)
			delay := reconnectDelay(m.cfg, attempt)
			m.logger.Info("reconnect scheduled",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("reason", result.reason),
			)
			select {
			case <-ctx.Done():
				m.setState(StateDisconnected, "stopped")
				return
			case <-time.After(delay):
			}
		}
	}
}

// connectOnce opens one socket and consumes its events until the
// socket dies, pairing expires, or the machine is stopped.
func (m *Machine) connectOnce(ctx context.Context, refreshes *int) outcome {
	m.setState(StateConnecting, "")

	var credData []byte
	cred, err := m.creds.Load(ctx, m.tenantID)
	switch {
	case err == nil:
		credData = cred.Data
	case errors.Is(err, credential.ErrNotFound):
		// Fresh pairing flow.
	default:
		// A broken store must not lock the tenant out forever; fall back
		// to a fresh pairing flow.
		m.logger.Warn("credential load failed, forcing fresh pairing", slog.Any("error", err))
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.DialTimeout)
	sock, err := m.client.Open(dialCtx, credData)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return outcome{kind: outcomeStopped}
		}
		m.logger.Warn("socket open failed", slog.Any("error", err))
		return outcome{kind: outcomeRecoverable, reason: err.Error()}
	}

	m.mu.Lock()
	m.socket = sock
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.socket = nil
		m.mu.Unlock()
		closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = sock.Close(closeCtx)
		cancelClose()
	}()

	authed := false
	pairingExpiry := time.NewTimer(time.Hour)
	pairingExpiry.Stop()
	defer pairingExpiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{kind: outcomeStopped, authed: authed}
		case <-pairingExpiry.C:
			if m.Status().State != StatePairing {
				continue
			}
			*refreshes++
			if *refreshes > m.cfg.PairingMaxRefreshes {
				m.logger.Warn("pairing abandoned", slog.Int("refreshes", *refreshes-1))
				return outcome{kind: outcomePairingAbandoned}
			}
			m.logger.Info("pairing code expired, requesting a fresh one", slog.Int("refresh", *refreshes))
			return outcome{kind: outcomePairingRefresh}
		case ev, ok := <-sock.Events():
			if !ok {
				return outcome{kind: outcomeRecoverable, reason: "event stream closed", authed: authed}
			}
			switch e := ev.(type) {
			case PairingCode:
				ttl := e.ExpiresIn
				if ttl <= 0 {
					ttl = m.cfg.PairingWindow
				}
				m.setPairing(e.Code, time.Now().UTC().Add(ttl))
				resetTimer(pairingExpiry, ttl)
			case Authenticated:
				authed = true
				pairingExpiry.Stop()
				m.setAuthenticated(e.Identity)
				m.logger.Info("session authenticated", slog.String("identity", e.Identity))
			case CredentialUpdate:
				// Persisted as it arrives: losing a rotation can make the
				// whole session unrecoverable.
				if _, err := m.creds.Save(ctx, credential.Credential{TenantID: m.tenantID, Data: e.Data}); err != nil {
					m.logger.Error("credential save failed", slog.Any("error", err))
				}
			case MessageReceived:
				m.touch()
				if m.sink != nil {
					m.sink.HandleMessage(ctx, m.tenantID, e)
				}
			case Disconnected:
				if e.Reason.Recoverable() {
					m.logger.Warn("disconnected",
						slog.String("reason", e.Reason.String()),
						slog.Any("error", e.Err),
					)
					return outcome{kind: outcomeRecoverable, reason: e.Reason.String(), authed: authed}
				}
				m.logger.Warn("session revoked by remote", slog.String("reason", e.Reason.String()))
				if err := m.creds.Delete(ctx, m.tenantID); err != nil {
					m.logger.Error("credential delete failed", slog.Any("error", err))
				}
				m.setLoggedOut(e.Reason.String())
				return outcome{kind: outcomeLoggedOut, authed: authed}
			}
		}
	}
}

func (m *Machine) setState(state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = state
	m.status.Reason = reason
	m.status.PairingCode = ""
	m.status.PairingExpiresAt = time.Time{}
	m.status.UpdatedAt = time.Now().UTC()
}

func (m *Machine) setPairing(code string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StatePairing
	m.status.Reason = ""
	m.status.PairingCode = code
	m.status.PairingExpiresAt = expiresAt
	m.status.UpdatedAt = time.Now().UTC()
}

func (m *Machine) setAuthenticated(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StateAuthenticated
	m.status.Reason = ""
	m.status.PairingCode = ""
	m.status.PairingExpiresAt = time.Time{}
	if identity != "" {
		m.status.PhoneIdentity = identity
	}
	m.status.ReconnectAttempt = 0
	m.status.LastActivityAt = time.Now().UTC()
	m.status.UpdatedAt = time.Now().UTC()
}

func (m *Machine) setReconnecting(attempt int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StateReconnecting
	m.status.Reason = reason
	m.status.PairingCode = ""
	m.status.PairingExpiresAt = time.Time{}
	m.status.ReconnectAttempt = attempt
	m.status.UpdatedAt = time.Now().UTC()
}

func (m *Machine) setLoggedOut(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StateLoggedOut
	m.status.Reason = reason
	m.status.PairingCode = ""
	m.status.PairingExpiresAt = time.Time{}
	m.status.UpdatedAt = time.Now().UTC()
}

func (m *Machine) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastActivityAt = time.Now().UTC()
}

// reconnectDelay doubles the base delay per attempt up to the cap and
// spreads attempts with jitter in the upper half of the window.
func reconnectDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.ReconnectMax {
			delay = cfg.ReconnectMax
			break
		}
	}
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + rand.N(half+1)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
