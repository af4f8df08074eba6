package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostwise/hostwise/internal/credential"
)

func authClient() *fakeClient {
	return &fakeClient{
		script: func(call int, cred []byte, sock *fakeSocket) {
			sock.emit(Authenticated{Identity: "+15550123"})
		},
	}
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	t.Parallel()

	client := authClient()
	r := NewRegistry(testLogger(), client, credential.NewMemoryStore(), &recordSink{}, testConfig())
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(context.Background(), "tenant-a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	waitForState(t, r, "tenant-a", StateAuthenticated)
	assert.Equal(t, 1, client.openCount())
	assert.Equal(t, []string{"tenant-a"}, r.ListActive())
}

func TestRegistryStartRequiresTenant(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), authClient(), credential.NewMemoryStore(), &recordSink{}, testConfig())
	_, err := r.Start(context.Background(), "  ")
	require.Error(t, err)
	require.Error(t, r.Stop(context.Background(), "", false))
}

func TestRegistryStopWithLogoutDeletesCredential(t *testing.T) {
	t.Parallel()

	creds := credential.NewMemoryStore()
	r := NewRegistry(testLogger(), authClient(), creds, &recordSink{}, testConfig())

	_, err := r.Start(context.Background(), "tenant-a")
	require.NoError(t, err)
	waitForState(t, r, "tenant-a", StateAuthenticated)

	// The fake network never rotates a credential, so write one here to
	// make deletion observable.
	_, err = creds.Save(context.Background(), credential.Credential{TenantID: "tenant-a", Data: []byte("cred-v1")})
	require.NoError(t, err)

	require.NoError(t, r.Stop(context.Background(), "tenant-a", true))

	_, ok := r.Status("tenant-a")
	assert.False(t, ok)
	_, err = creds.Load(context.Background(), "tenant-a")
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRegistryStopKeepsCredentialByDefault(t *testing.T) {
	t.Parallel()

	creds := credential.NewMemoryStore()
	_, err := creds.Save(context.Background(), credential.Credential{TenantID: "tenant-a", Data: []byte("cred-v1")})
	require.NoError(t, err)

	r := NewRegistry(testLogger(), authClient(), creds, &recordSink{}, testConfig())
	_, err = r.Start(context.Background(), "tenant-a")
	require.NoError(t, err)
	waitForState(t, r, "tenant-a", StateAuthenticated)

	require.NoError(t, r.Stop(context.Background(), "tenant-a", false))

	stored, err := creds.Load(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("cred-v1"), stored.Data)
}

func TestRegistryStatusesSortedSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), authClient(), credential.NewMemoryStore(), &recordSink{}, testConfig())
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	for _, tenantID := range []string{"tenant-c", "tenant-a", "tenant-b"} {
		_, err := r.Start(context.Background(), tenantID)
		require.NoError(t, err)
	}

	statuses := r.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "tenant-a", statuses[0].TenantID)
	assert.Equal(t, "tenant-b", statuses[1].TenantID)
	assert.Equal(t, "tenant-c", statuses[2].TenantID)
}

func TestRegistryShutdownStopsAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), authClient(), credential.NewMemoryStore(), &recordSink{}, testConfig())
	for _, tenantID := range []string{"tenant-a", "tenant-b"} {
		_, err := r.Start(context.Background(), tenantID)
		require.NoError(t, err)
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Empty(t, r.ListActive())
}

func TestRegistrySendUnknownTenant(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), authClient(), credential.NewMemoryStore(), &recordSink{}, testConfig())
	err := r.Send(context.Background(), "tenant-x", "+15550100", Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrNotReady)
}
