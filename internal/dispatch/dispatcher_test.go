package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwise/hostwise/internal/breaker"
	"github.com/hostwise/hostwise/internal/session"
)

type deliveredMessage struct {
	TenantID  string
	Recipient string
	Payload   session.Payload
}

type fakeTransport struct {
	mu        sync.Mutex
	ready     map[string]bool
	delivered []deliveredMessage
	// failures makes the first N sends fail with sendErr.
	failures int
	sendErr  error
	attempts int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: map[string]bool{}}
}

func (t *fakeTransport) setReady(tenantID string, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready[tenantID] = ready
}

func (t *fakeTransport) Ready(tenantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready[tenantID]
}

func (t *fakeTransport) Send(_ context.Context, tenantID, recipient string, payload session.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.sendErr != nil && (t.failures <= 0 || t.attempts <= t.failures) {
		return t.sendErr
	}
	t.delivered = append(t.delivered, deliveredMessage{TenantID: tenantID, Recipient: recipient, Payload: payload})
	return nil
}

func (t *fakeTransport) deliveredMessages() []deliveredMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]deliveredMessage, len(t.delivered))
	copy(out, t.delivered)
	return out
}

func (t *fakeTransport) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

type resultRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *resultRecorder) record(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *resultRecorder) results() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() Policy {
	return Policy{
		RetryMax:         3,
		RetryBackoff:     time.Millisecond,
		MaxQueuedAge:     time.Hour,
		PollInterval:     2 * time.Millisecond,
		QueueLimit:       100,
		BreakerThreshold: 50,
		BreakerCooldown:  time.Hour,
	}
}

func newTestDispatcher(t *testing.T, transport Transport, dead DeadLetterStore, policy Policy) *Dispatcher {
	t.Helper()
	d := NewDispatcher(testLogger(), transport, dead, policy)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestDispatcherPreservesFIFOPerTenant(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	d := newTestDispatcher(t, transport, NewMemoryDeadLetterStore(), testPolicy())

	for _, text := range []string{"first", "second", "third"} {
		_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: text})
		require.NoError(t, err)
	}
	require.Len(t, d.Pending("tenant-a"), 3)

	// Nothing moves until the session is ready.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, transport.deliveredMessages())

	transport.setReady("tenant-a", true)
	require.Eventually(t, func() bool {
		return len(transport.deliveredMessages()) == 3
	}, 2*time.Second, 2*time.Millisecond)

	delivered := transport.deliveredMessages()
	assert.Equal(t, "first", delivered[0].Payload.Text)
	assert.Equal(t, "second", delivered[1].Payload.Text)
	assert.Equal(t, "third", delivered[2].Payload.Text)
	assert.Empty(t, d.Pending("tenant-a"))
}

func TestDispatcherIsolatesTenants(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.setReady("tenant-b", true)
	d := newTestDispatcher(t, transport, NewMemoryDeadLetterStore(), testPolicy())

	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "stuck"})
	require.NoError(t, err)
	_, err = d.Enqueue(context.Background(), "tenant-b", "+15550200", session.Payload{Text: "moving"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transport.deliveredMessages()) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, "tenant-b", transport.deliveredMessages()[0].TenantID)
	assert.Len(t, d.Pending("tenant-a"), 1)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.setReady("tenant-a", true)
	transport.sendErr = errors.New("socket write failed")
	transport.failures = 2

	recorder := &resultRecorder{}
	d := newTestDispatcher(t, transport, NewMemoryDeadLetterStore(), testPolicy())
	d.OnResult(recorder.record)

	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.results()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	result := recorder.results()[0]
	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, transport.deliveredMessages(), 1)
}

func TestDispatcherDeadLettersAfterRetryBudget(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.setReady("tenant-a", true)
	transport.sendErr = errors.New("socket write failed")

	dead := NewMemoryDeadLetterStore()
	recorder := &resultRecorder{}
	d := newTestDispatcher(t, transport, dead, testPolicy())
	d.OnResult(recorder.record)

	queued, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := dead.List(context.Background(), "tenant-a", 0)
		return err == nil && len(items) == 1
	}, 2*time.Second, 2*time.Millisecond)

	items, err := dead.List(context.Background(), "tenant-a", 0)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, items[0].ID)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, 3, items[0].Attempts)
	assert.Contains(t, items[0].Reason, "after 3 attempts")
	assert.Empty(t, d.Pending("tenant-a"))

	require.Len(t, recorder.results(), 1)
	assert.Equal(t, StatusFailed, recorder.results()[0].Status)
}

func TestDispatcherExpiresStaleMessages(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	policy := testPolicy()
	policy.MaxQueuedAge = 10 * time.Millisecond

	dead := NewMemoryDeadLetterStore()
	d := newTestDispatcher(t, transport, dead, policy)

	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := dead.List(context.Background(), "tenant-a", 0)
		return err == nil && len(items) == 1
	}, 2*time.Second, 2*time.Millisecond)

	items, err := dead.List(context.Background(), "tenant-a", 0)
	require.NoError(t, err)
	assert.Contains(t, items[0].Reason, "expired")
	assert.Zero(t, items[0].Attempts)
	assert.Zero(t, transport.attemptCount())
}

func TestDispatcherBreakerStopsHammeringDownstream(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.setReady("tenant-a", true)
	transport.sendErr = errors.New("socket write failed")

	policy := testPolicy()
	policy.RetryMax = 10
	policy.BreakerThreshold = 2

	d := newTestDispatcher(t, transport, NewMemoryDeadLetterStore(), policy)

	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.BreakerState("tenant-a") == breaker.StateOpen
	}, 2*time.Second, 2*time.Millisecond)

	attemptsAtOpen := transport.attemptCount()
	require.Equal(t, 2, attemptsAtOpen)

	// While open the drain loop parks instead of burning the retry
	// budget against a dead downstream.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, attemptsAtOpen, transport.attemptCount())

	pending := d.Pending("tenant-a")
	require.Len(t, pending, 1)
	assert.Equal(t, StatusQueued, pending[0].Status)
	assert.Equal(t, 2, pending[0].Attempts)
}

func TestDispatcherPendingIsSafeDuringRetries(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.setReady("tenant-a", true)
	transport.sendErr = errors.New("socket write failed")

	policy := testPolicy()
	policy.RetryMax = 1000

	d := newTestDispatcher(t, transport, NewMemoryDeadLetterStore(), policy)

	queued, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.Zero(t, queued.Attempts)

	// Hammer Pending while the drain loop cycles the message through
	// sending and back to queued. Every snapshot must be internally
	// consistent with one of the two stable states.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, msg := range d.Pending("tenant-a") {
			require.Equal(t, queued.ID, msg.ID)
			require.Contains(t, []Status{StatusQueued, StatusSending}, msg.Status)
			require.False(t, msg.UpdatedAt.Before(queued.UpdatedAt))
		}
	}
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newFakeTransport(), NewMemoryDeadLetterStore(), testPolicy())

	_, err := d.Enqueue(context.Background(), "", "+15550100", session.Payload{Text: "hi"})
	require.Error(t, err)
	_, err = d.Enqueue(context.Background(), "tenant-a", "", session.Payload{Text: "hi"})
	require.Error(t, err)
	_, err = d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{})
	require.Error(t, err)
}

func TestDispatcherQueueLimit(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.QueueLimit = 2
	d := newTestDispatcher(t, newFakeTransport(), NewMemoryDeadLetterStore(), policy)

	for i := 0; i < 2; i++ {
		_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
		require.NoError(t, err)
	}
	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(testLogger(), newFakeTransport(), NewMemoryDeadLetterStore(), testPolicy())
	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Enqueue(context.Background(), "tenant-a", "+15550100", session.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrClosed)
}
