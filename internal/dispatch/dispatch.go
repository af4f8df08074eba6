// Package dispatch owns the outbound message pipeline: per-tenant FIFO
// queues drained toward the session layer, bounded retries, and a
// dead-letter store for messages that could not be delivered.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hostwise/hostwise/internal/session"
)

// Status tracks an outbound message through the pipeline.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// String returns the status as a plain string.
func (s Status) String() string {
	return string(s)
}

// Message is one outbound message owned by the dispatcher.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Recipient  string          `json:"recipient"`
	Payload    session.Payload `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transport is the downstream the dispatcher drains into. The session
// registry implements it.
type Transport interface {
	Ready(tenantID string) bool
	Send(ctx context.Context, tenantID, recipient string, payload session.Payload) error
}

// Notifier observes terminal message transitions (sent or failed).
// Callbacks run on the drain goroutine and must not block.
type Notifier func(msg Message)

// Policy tunes retry and expiry behavior. Zero values are filled with
// defaults.
type Policy struct {
	// RetryMax bounds delivery attempts per message.
	RetryMax int
	// RetryBackoff is the wait between attempts for the same message.
	RetryBackoff time.Duration
	// MaxQueuedAge expires messages that waited too long for a ready
	// session.
	MaxQueuedAge time.Duration
	// PollInterval is how often a blocked queue re-checks session
	// readiness.
	PollInterval time.Duration
	// QueueLimit caps the number of pending messages per tenant.
	QueueLimit int
	// BreakerThreshold and BreakerCooldown configure the per-tenant
	// circuit breaker guarding downstream sends.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func normalizePolicy(p Policy) Policy {
	if p.RetryMax <= 0 {
		p.RetryMax = 3
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 2 * time.Second
	}
	if p.MaxQueuedAge <= 0 {
		p.MaxQueuedAge = 15 * time.Minute
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	if p.QueueLimit <= 0 {
		p.QueueLimit = 1000
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = 30 * time.Second
	}
	return p
}
