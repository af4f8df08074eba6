package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwise/hostwise/internal/session"
)

type testValidator struct {
	validate *validator.Validate
}

func (v testValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = testValidator{validate: validator.New()}
	return e
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	statuses map[string]session.Status
	started  []string
	stopped  []string
	logout   bool
	startErr error
}

func (f *fakeSessions) Start(_ context.Context, tenantID string) (session.Status, error) {
	if f.startErr != nil {
		return session.Status{}, f.startErr
	}
	f.started = append(f.started, tenantID)
	if st, ok := f.statuses[tenantID]; ok {
		return st, nil
	}
	return session.Status{TenantID: tenantID, State: session.StateConnecting}, nil
}

func (f *fakeSessions) Stop(_ context.Context, tenantID string, logout bool) error {
	f.stopped = append(f.stopped, tenantID)
	f.logout = logout
	return nil
}

func (f *fakeSessions) Status(tenantID string) (session.Status, bool) {
	st, ok := f.statuses[tenantID]
	return st, ok
}

func (f *fakeSessions) Statuses() []session.Status {
	items := make([]session.Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		items = append(items, st)
	}
	return items
}

func TestSessionHandlerStart(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{statuses: map[string]session.Status{}}
	h := NewSessionHandler(testLogger(), sessions)
	e := newTestEcho()
	h.Register(e)

	req := httptest.NewRequest(http.MethodPost, "/tenants/tenant-a/session", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "tenant-a", status.TenantID)
	assert.Equal(t, []string{"tenant-a"}, sessions.started)
}

func TestSessionHandlerStatusNotFound(t *testing.T) {
	t.Parallel()

	h := NewSessionHandler(testLogger(), &fakeSessions{statuses: map[string]session.Status{}})
	e := newTestEcho()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/tenants/tenant-x/session", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandlerPairingCode(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{statuses: map[string]session.Status{
		"tenant-a": {
			TenantID:         "tenant-a",
			State:            session.StatePairing,
			PairingCode:      "KXQT-2219",
			PairingExpiresAt: time.Now().UTC().Add(time.Minute),
		},
		"tenant-b": {
			TenantID: "tenant-b",
			State:    session.StateAuthenticated,
		},
	}}
	h := NewSessionHandler(testLogger(), sessions)
	e := newTestEcho()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/tenants/tenant-a/session/pairing-code", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "KXQT-2219", body["pairing_code"])

	// Not pairing: the code endpoint answers 409 rather than exposing a
	// stale code.
	req = httptest.NewRequest(http.MethodGet, "/tenants/tenant-b/session/pairing-code", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionHandlerStopWithLogout(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{statuses: map[string]session.Status{}}
	h := NewSessionHandler(testLogger(), sessions)
	e := newTestEcho()
	h.Register(e)

	req := httptest.NewRequest(http.MethodDelete, "/tenants/tenant-a/session?logout=true", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tenant-a"}, sessions.stopped)
	assert.True(t, sessions.logout)
}

func TestSessionHandlerList(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{statuses: map[string]session.Status{
		"tenant-a": {TenantID: "tenant-a", State: session.StateAuthenticated},
	}}
	h := NewSessionHandler(testLogger(), sessions)
	e := newTestEcho()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []session.Status `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, session.StateAuthenticated, body.Sessions[0].State)
}
