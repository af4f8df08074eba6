package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hostwise/hostwise/internal/credential"
)

// Registry is the process-wide map from tenant to connection machine.
// It enforces at most one active machine per tenant and exposes the
// lifecycle operations consumed by the operator surface and the
// outbound dispatcher.
type Registry struct {
	client Client
	creds  credential.Store
	sink   InboundSink
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	machines map[string]*Machine
}

// NewRegistry creates a Registry with the given protocol client,
// credential store, and inbound sink.
func NewRegistry(log *slog.Logger, client Client, creds credential.Store, sink InboundSink, cfg Config) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		client:   client,
		creds:    creds,
		sink:     sink,
		cfg:      normalizeConfig(cfg),
		logger:   log.With(slog.String("component", "registry")),
		locks:    map[string]*sync.Mutex{},
		machines: map[string]*Machine{},
	}
}

// tenantLock returns the per-tenant start/stop lock, creating it on
// first use. Locks are never removed: a handful of mutexes per tenant
// ever seen is cheaper than lock lifetime tracking.
func (r *Registry) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[tenantID] = lock
	}
	return lock
}

// Start brings up a session for the tenant. It is idempotent: if a
// live machine already exists its status is returned unchanged.
// Machines whose event loop has ended (logged out, pairing abandoned,
// reconnect exhaustion) are replaced by a fresh one.
func (r *Registry) Start(ctx context.Context, tenantID string) (Status, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Status{}, fmt.Errorf("tenant id is required")
	}

	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing := r.machines[tenantID]
	r.mu.Unlock()
	if existing != nil && !existing.Finished() {
		return existing.Status(), nil
	}

	m := newMachine(tenantID, r.client, r.creds, r.sink, r.cfg, r.logger, r.evict)
	r.mu.Lock()
	r.machines[tenantID] = m
	r.mu.Unlock()

	r.logger.Info("session start", slog.String("tenant_id", tenantID))
	m.start(ctx)
	return m.Status(), nil
}

// Stop tears down the tenant's session: cancels reconnect timers,
// closes the socket, and removes the entry. Stored credentials are
// kept so a later Start resumes without a new pairing; set logout to
// delete them as well.
func (r *Registry) Stop(ctx context.Context, tenantID string, logout bool) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}

	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	m := r.machines[tenantID]
	delete(r.machines, tenantID)
	r.mu.Unlock()

	if m != nil {
		r.logger.Info("session stop", slog.String("tenant_id", tenantID), slog.Bool("logout", logout))
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}
	if logout {
		if err := r.creds.Delete(ctx, tenantID); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
	}
	return nil
}

// Status returns the tenant's session status, if a session exists.
func (r *Registry) Status(tenantID string) (Status, bool) {
	r.mu.Lock()
	m := r.machines[strings.TrimSpace(tenantID)]
	r.mu.Unlock()
	if m == nil {
		return Status{}, false
	}
	return m.Status(), true
}

// ListActive returns the tenant identifiers with a registered session,
// sorted for stable output.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]string, 0, len(r.machines))
	for tenantID := range r.machines {
		items = append(items, tenantID)
	}
	sort.Strings(items)
	return items
}

// Statuses returns a status snapshot for every registered session,
// sorted by tenant.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	items := make([]Status, 0, len(machines))
	for _, m := range machines {
		items = append(items, m.Status())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].TenantID < items[j].TenantID
	})
	return items
}

// Ready reports whether the tenant's session can accept outbound
// sends.
func (r *Registry) Ready(tenantID string) bool {
	r.mu.Lock()
	m := r.machines[strings.TrimSpace(tenantID)]
	r.mu.Unlock()
	return m != nil && m.Status().State == StateAuthenticated
}

// Send delivers an outbound payload through the tenant's live socket.
// It fails with ErrNotReady when no authenticated session exists.
func (r *Registry) Send(ctx context.Context, tenantID, recipient string, payload Payload) error {
	r.mu.Lock()
	m := r.machines[strings.TrimSpace(tenantID)]
	r.mu.Unlock()
	if m == nil {
		return ErrNotReady
	}
	return m.Send(ctx, recipient, payload)
}

// Shutdown stops every registered session.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, tenantID := range r.ListActive() {
		if err := r.Stop(ctx, tenantID, false); err != nil {
			r.logger.Warn("session stop failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// evict removes a machine that reached a terminal state, unless a
// newer machine has already replaced it.
func (r *Registry) evict(tenantID string, m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machines[tenantID] == m {
		delete(r.machines, tenantID)
		r.logger.Info("session removed", slog.String("tenant_id", tenantID))
	}
}
