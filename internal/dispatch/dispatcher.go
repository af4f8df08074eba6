package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostwise/hostwise/internal/breaker"
	"github.com/hostwise/hostwise/internal/session"
)

// ErrQueueFull is returned by Enqueue when the tenant's queue is at its
// limit.
var ErrQueueFull = errors.New("outbound queue full")

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher drains per-tenant FIFO queues toward the transport. Each
// tenant gets its own drain goroutine, so one slow or disconnected
// tenant never blocks the others, and a per-tenant circuit breaker
// guards the downstream send path.
type Dispatcher struct {
	transport Transport
	dead      DeadLetterStore
	policy    Policy
	logger    *slog.Logger
	notify    Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queues   map[string]*tenantQueue
	breakers map[string]*breaker.Breaker
	closed   bool
}

type tenantQueue struct {
	mu    sync.Mutex
	items []*Message
	// wake is signalled on enqueue so an idle drain loop picks up the
	// new head without polling.
	wake chan struct{}
}

func newTenantQueue() *tenantQueue {
	return &tenantQueue{wake: make(chan struct{}, 1)}
}

func (q *tenantQueue) push(msg *Message, limit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= limit {
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *tenantQueue) peek() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *tenantQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

// mutate applies fn to a queued message under the queue lock so
// snapshot readers never observe a half-written update.
func (q *tenantQueue) mutate(msg *Message, fn func(*Message)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(msg)
}

func (q *tenantQueue) snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Message, 0, len(q.items))
	for _, msg := range q.items {
		items = append(items, *msg)
	}
	return items
}

// NewDispatcher creates a Dispatcher and starts accepting messages.
// Call Shutdown to stop the drain goroutines.
func NewDispatcher(log *slog.Logger, transport Transport, dead DeadLetterStore, policy Policy) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport: transport,
		dead:      dead,
		policy:    normalizePolicy(policy),
		logger:    log.With(slog.String("component", "dispatch")),
		ctx:       ctx,
		cancel:    cancel,
		queues:    map[string]*tenantQueue{},
		breakers:  map[string]*breaker.Breaker{},
	}
}

// OnResult registers a callback observing terminal message transitions.
// It must be called before the first Enqueue.
func (d *Dispatcher) OnResult(fn Notifier) {
	d.notify = fn
}

// Enqueue appends a message to the tenant's queue. Messages for the
// same tenant are delivered in enqueue order.
func (d *Dispatcher) Enqueue(_ context.Context, tenantID, recipient string, payload session.Payload) (Message, error) {
	tenantID = strings.TrimSpace(tenantID)
	recipient = strings.TrimSpace(recipient)
	if tenantID == "" {
		return Message{}, fmt.Errorf("tenant id is required")
	}
	if recipient == "" {
		return Message{}, fmt.Errorf("recipient is required")
	}
	if payload.IsEmpty() {
		return Message{}, fmt.Errorf("message payload is empty")
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Recipient:  recipient,
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	q, err := d.queueFor(tenantID)
	if err != nil {
		return Message{}, err
	}
	// Copy before push: once queued, the drain goroutine owns the
	// message's mutable fields.
	accepted := *msg
	if err := q.push(msg, d.policy.QueueLimit); err != nil {
		return Message{}, err
	}
	d.logger.Debug("message enqueued",
		slog.String("tenant_id", tenantID),
		slog.String("message_id", accepted.ID.String()),
	)
	return accepted, nil
}

// Pending returns a snapshot of the tenant's queued messages in
// delivery order.
func (d *Dispatcher) Pending(tenantID string) []Message {
	d.mu.Lock()
	q := d.queues[strings.TrimSpace(tenantID)]
	d.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.snapshot()
}

// BreakerState returns the send breaker state for the tenant.
func (d *Dispatcher) BreakerState(tenantID string) breaker.State {
	d.mu.Lock()
	br := d.breakers[strings.TrimSpace(tenantID)]
	d.mu.Unlock()
	if br == nil {
		return breaker.StateClosed
	}
	return br.State()
}

// Shutdown stops accepting messages and waits for the drain goroutines
// to exit. Queued messages stay in memory and are lost with the
// process.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueFor returns the tenant's queue, creating it and its drain
// goroutine on first use.
func (d *Dispatcher) queueFor(tenantID string) (*tenantQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	q, ok := d.queues[tenantID]
	if !ok {
		q = newTenantQueue()
		d.queues[tenantID] = q
		d.wg.Add(1)
		go d.drain(tenantID, q)
	}
	return q, nil
}

func (d *Dispatcher) breakerFor(tenantID string) *breaker.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	br, ok := d.breakers[tenantID]
	if !ok {
		br = breaker.New(breaker.Settings{
			Name:      "send:" + tenantID,
			Threshold: d.policy.BreakerThreshold,
			Cooldown:  d.policy.BreakerCooldown,
			Logger:    d.logger,
		})
		d.breakers[tenantID] = br
	}
	return br
}

func (d *Dispatcher) drain(tenantID string, q *tenantQueue) {
	defer d.wg.Done()
	br := d.breakerFor(tenantID)
	logger := d.logger.With(slog.String("tenant_id", tenantID))

	for {
		msg := q.peek()
		if msg == nil {
			select {
			case <-d.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		if age := time.Since(msg.EnqueuedAt); age > d.policy.MaxQueuedAge {
			q.pop()
			d.deadLetter(logger, msg, fmt.Sprintf("expired after %s in queue", age.Round(time.Second)))
			continue
		}

		if !d.transport.Ready(tenantID) {
			if !d.sleep(d.policy.PollInterval) {
				return
			}
			continue
		}

		q.mutate(msg, func(m *Message) {
			m.Status = StatusSending
			m.Attempts++
			m.UpdatedAt = time.Now().UTC()
		})
		err := br.Execute(d.ctx, func(ctx context.Context) error {
			err := d.transport.Send(ctx, tenantID, msg.Recipient, msg.Payload)
			if errors.Is(err, session.ErrNotReady) {
				// The session dropped between the readiness check and the
				// send. That is flow control, not a downstream fault.
				return breaker.Ignore(err)
			}
			return err
		}, nil)

		switch {
		case err == nil:
			q.pop()
			msg.Status = StatusSent
			msg.Reason = ""
			msg.UpdatedAt = time.Now().UTC()
			logger.Info("message sent",
				slog.String("message_id", msg.ID.String()),
				slog.Int("attempts", msg.Attempts),
			)
			if d.notify != nil {
				d.notify(*msg)
			}
		case errors.Is(err, breaker.ErrOpen), errors.Is(err, session.ErrNotReady):
			// No delivery happened; the message keeps its attempt budget
			// and its place at the head of the queue.
			q.mutate(msg, func(m *Message) {
				m.Attempts--
				m.Status = StatusQueued
				m.UpdatedAt = time.Now().UTC()
			})
			if !d.sleep(d.policy.PollInterval) {
				return
			}
		default:
			if msg.Attempts >= d.policy.RetryMax {
				q.pop()
				d.deadLetter(logger, msg, fmt.Sprintf("delivery failed after %d attempts: %v", msg.Attempts, err))
				continue
			}
			q.mutate(msg, func(m *Message) {
				m.Status = StatusQueued
				m.Reason = err.Error()
				m.UpdatedAt = time.Now().UTC()
			})
			logger.Warn("delivery failed, will retry",
				slog.String("message_id", msg.ID.String()),
				slog.Int("attempt", msg.Attempts),
				slog.Any("error", err),
			)
			if !d.sleep(d.policy.RetryBackoff) {
				return
			}
		}
	}
}

func (d *Dispatcher) deadLetter(logger *slog.Logger, msg *Message, reason string) {
	msg.Status = StatusFailed
	msg.Reason = reason
	msg.UpdatedAt = time.Now().UTC()
	logger.Error("message dead-lettered",
		slog.String("message_id", msg.ID.String()),
		slog.Int("attempts", msg.Attempts),
		slog.String("reason", reason),
	)
	if d.dead != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), 5*time.Second)
		if err := d.dead.Add(storeCtx, *msg); err != nil {
			logger.Error("dead letter store failed", slog.Any("error", err))
		}
		cancel()
	}
	if d.notify != nil {
		d.notify(*msg)
	}
}

// sleep waits for the duration unless the dispatcher is shutting down.
func (d *Dispatcher) sleep(duration time.Duration) bool {
	select {
	case <-d.ctx.Done():
		return false
	case <-time.After(duration):
		return true
	}
}
