// Package inbound routes messages arriving on tenant sessions to the
// automation agent. Delivery is serialized per tenant on a bounded
// queue so a slow agent never blocks a connection's event loop, and a
// per-tenant circuit breaker sheds load when the agent misbehaves.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostwise/hostwise/internal/breaker"
	"github.com/hostwise/hostwise/internal/session"
)

// Agent handles one inbound message. Implementations are typically the
// automation backend reached over HTTP.
type Agent interface {
	HandleInboundMessage(ctx context.Context, tenantID string, msg session.MessageReceived) error
}

// Config tunes the router. Zero values are filled with defaults.
type Config struct {
	// QueueSize bounds the per-tenant inbound backlog; messages beyond
	// it are dropped with a warning rather than backpressuring the
	// connection.
	QueueSize int
	// HandleTimeout bounds one agent call.
	HandleTimeout time.Duration
	// BreakerThreshold and BreakerCooldown configure the per-tenant
	// circuit breaker guarding agent calls.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func normalizeConfig(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return cfg
}

// TenantStats is the liveness view of one tenant's inbound traffic.
type TenantStats struct {
	TenantID      string    `json:"tenant_id"`
	Received      uint64    `json:"received"`
	Processed     uint64    `json:"processed"`
	Failed        uint64    `json:"failed"`
	Dropped       uint64    `json:"dropped"`
	LastInboundAt time.Time `json:"last_inbound_at,omitzero"`
}

// Router fans inbound messages out to per-tenant worker goroutines. It
// implements session.InboundSink.
type Router struct {
	agent  Agent
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*tenantWorker
	breakers map[string]*breaker.Breaker
	closed   bool
}

type tenantWorker struct {
	queue chan session.MessageReceived

	mu    sync.Mutex
	stats TenantStats
}

// NewRouter creates a Router delivering to the given agent.
func NewRouter(log *slog.Logger, agent Agent, cfg Config) *Router {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		agent:    agent,
		cfg:      normalizeConfig(cfg),
		logger:   log.With(slog.String("component", "inbound")),
		ctx:      ctx,
		cancel:   cancel,
		workers:  map[string]*tenantWorker{},
		breakers: map[string]*breaker.Breaker{},
	}
}

// HandleMessage queues the message for the tenant's worker. It never
// blocks: when the tenant's queue is full the message is dropped and
// counted.
func (r *Router) HandleMessage(_ context.Context, tenantID string, msg session.MessageReceived) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}
	w := r.workerFor(tenantID)
	if w == nil {
		return
	}

	w.mu.Lock()
	w.stats.Received++
	w.stats.LastInboundAt = time.Now().UTC()
	w.mu.Unlock()

	select {
	case w.queue <- msg:
	default:
		w.mu.Lock()
		w.stats.Dropped++
		w.mu.Unlock()
		r.logger.Warn("inbound queue full, message dropped",
			slog.String("tenant_id", tenantID),
			slog.String("message_id", msg.MessageID),
		)
	}
}

// Stats returns the tenant's inbound counters.
func (r *Router) Stats(tenantID string) (TenantStats, bool) {
	r.mu.Lock()
	w := r.workers[strings.TrimSpace(tenantID)]
	r.mu.Unlock()
	if w == nil {
		return TenantStats{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats, true
}

// AllStats returns counters for every tenant seen, sorted by tenant.
func (r *Router) AllStats() []TenantStats {
	r.mu.Lock()
	workers := make([]*tenantWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	items := make([]TenantStats, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		items = append(items, w.stats)
		w.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].TenantID < items[j].TenantID
	})
	return items
}

// Shutdown stops the workers and waits for in-flight agent calls.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) workerFor(tenantID string) *tenantWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	w, ok := r.workers[tenantID]
	if !ok {
		w = &tenantWorker{
			queue: make(chan session.MessageReceived, r.cfg.QueueSize),
			stats: TenantStats{TenantID: tenantID},
		}
		r.workers[tenantID] = w
		r.wg.Add(1)
		go r.work(tenantID, w)
	}
	return w
}

func (r *Router) breakerFor(tenantID string) *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[tenantID]
	if !ok {
		br = breaker.New(breaker.Settings{
			Name:      "agent:" + tenantID,
			Threshold: r.cfg.BreakerThreshold,
			Cooldown:  r.cfg.BreakerCooldown,
			Logger:    r.logger,
		})
		r.breakers[tenantID] = br
	}
	return br
}

// work drains one tenant's queue in arrival order.
func (r *Router) work(tenantID string, w *tenantWorker) {
	defer r.wg.Done()
	br := r.breakerFor(tenantID)
	logger := r.logger.With(slog.String("tenant_id", tenantID))

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-w.queue:
			r.deliver(logger, br, w, tenantID, msg)
		}
	}
}

func (r *Router) deliver(logger *slog.Logger, br *breaker.Breaker, w *tenantWorker, tenantID string, msg session.MessageReceived) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandleTimeout)
	defer cancel()

	err := br.Execute(ctx, func(ctx context.Context) error {
		return r.agent.HandleInboundMessage(ctx, tenantID, msg)
	}, func(_ context.Context, cause error) error {
		// Shed load while the agent recovers; inbound messages are not
		// replayed.
		return cause
	})
	if err != nil {
		w.mu.Lock()
		w.stats.Failed++
		w.mu.Unlock()
		if errors.Is(err, breaker.ErrOpen) {
			logger.Warn("agent unavailable, message shed",
				slog.String("message_id", msg.MessageID),
			)
			return
		}
		logger.Error("agent call failed",
			slog.String("message_id", msg.MessageID),
			slog.Any("error", err),
		)
		return
	}

	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()
}
