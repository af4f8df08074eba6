// Package credential persists per-tenant pairing credentials for the
// messaging session layer. The credential payload is opaque to this
// package; only the revision counter is interpreted.
package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the tenant has no stored credential.
var ErrNotFound = errors.New("credential not found")

// Credential is the authentication material for one tenant session.
// Data is opaque protocol material; Revision increases on every save.
type Credential struct {
	TenantID  string    `json:"tenant_id"`
	Data      []byte    `json:"data"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable storage contract for credentials. At most one
// record exists per tenant, and Save must be atomic: a failed save never
// leaves a partially-written credential behind.
type Store interface {
	// Load returns the tenant's credential, or ErrNotFound.
	Load(ctx context.Context, tenantID string) (Credential, error)
	// Save stores the credential, bumping its revision, and returns the
	// stored record.
	Save(ctx context.Context, cred Credential) (Credential, error)
	// Delete removes the tenant's credential. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, tenantID string) error
}
