package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwise/hostwise/internal/session"
)

type recordingAgent struct {
	mu      sync.Mutex
	calls   []string
	callErr error
	// gate, when set, blocks every call until it is closed.
	gate    chan struct{}
	started chan struct{}
}

func (a *recordingAgent) HandleInboundMessage(_ context.Context, tenantID string, msg session.MessageReceived) error {
	if a.started != nil {
		select {
		case a.started <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, tenantID+"/"+msg.MessageID)
	return a.callErr
}

func (a *recordingAgent) callList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		QueueSize:        16,
		HandleTimeout:    time.Second,
		BreakerThreshold: 50,
		BreakerCooldown:  time.Hour,
	}
}

func newTestRouter(t *testing.T, agent Agent, cfg Config) *Router {
	t.Helper()
	r := NewRouter(testLogger(), agent, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestRouterDeliversInArrivalOrder(t *testing.T) {
	t.Parallel()

	agent := &recordingAgent{}
	r := newTestRouter(t, agent, testConfig())

	for i := 0; i < 5; i++ {
		r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{
			MessageID: fmt.Sprintf("m%d", i),
			Sender:    "+15550100",
			Text:      "hello",
		})
	}

	require.Eventually(t, func() bool {
		return len(agent.callList()) == 5
	}, 2*time.Second, 2*time.Millisecond)

	calls := agent.callList()
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("tenant-a/m%d", i), calls[i])
	}

	stats, ok := r.Stats("tenant-a")
	require.True(t, ok)
	assert.Equal(t, uint64(5), stats.Received)
	assert.Equal(t, uint64(5), stats.Processed)
	assert.Zero(t, stats.Dropped)
	assert.False(t, stats.LastInboundAt.IsZero())
}

func TestRouterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	agent := &recordingAgent{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	cfg := testConfig()
	cfg.QueueSize = 1
	r := newTestRouter(t, agent, cfg)

	// First message occupies the worker, second fills the queue.
	r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: "m0"})
	select {
	case <-agent.started:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}
	r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: "m1"})

	r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: "m2"})
	r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: "m3"})

	stats, ok := r.Stats("tenant-a")
	require.True(t, ok)
	assert.Equal(t, uint64(4), stats.Received)
	assert.Equal(t, uint64(2), stats.Dropped)

	close(agent.gate)
	require.Eventually(t, func() bool {
		stats, _ := r.Stats("tenant-a")
		return stats.Processed == 2
	}, 2*time.Second, 2*time.Millisecond)
	assert.Len(t, agent.callList(), 2)
}

func TestRouterBreakerShedsAfterAgentFailures(t *testing.T) {
	t.Parallel()

	agent := &recordingAgent{callErr: errors.New("agent exploded")}
	cfg := testConfig()
	cfg.BreakerThreshold = 2
	r := newTestRouter(t, agent, cfg)

	for i := 0; i < 5; i++ {
		r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: fmt.Sprintf("m%d", i)})
	}

	require.Eventually(t, func() bool {
		stats, _ := r.Stats("tenant-a")
		return stats.Failed == 5
	}, 2*time.Second, 2*time.Millisecond)

	// Only the first two reached the agent; the rest were shed while the
	// breaker was open.
	assert.Len(t, agent.callList(), 2)
	stats, _ := r.Stats("tenant-a")
	assert.Zero(t, stats.Processed)
}

func TestRouterIsolatesTenants(t *testing.T) {
	t.Parallel()

	agent := &recordingAgent{}
	r := newTestRouter(t, agent, testConfig())

	r.HandleMessage(context.Background(), "tenant-b", session.MessageReceived{MessageID: "b0"})
	r.HandleMessage(context.Background(), "tenant-a", session.MessageReceived{MessageID: "a0"})

	require.Eventually(t, func() bool {
		return len(agent.callList()) == 2
	}, 2*time.Second, 2*time.Millisecond)

	all := r.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "tenant-a", all[0].TenantID)
	assert.Equal(t, "tenant-b", all[1].TenantID)

	_, ok := r.Stats("tenant-x")
	assert.False(t, ok)
}
