package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists credentials in the tenant_credentials table.
// The upsert runs as a single statement, so a concurrent Load never
// observes a half-written record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load returns the tenant's credential, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, tenantID string) (Credential, error) {
	if s.pool == nil {
		return Credential{}, fmt.Errorf("credential pool not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Credential{}, fmt.Errorf("tenant id is required")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT tenant_id, data, revision, updated_at
		 FROM tenant_credentials WHERE tenant_id = $1`, tenantID)
	var cred Credential
	if err := row.Scan(&cred.TenantID, &cred.Data, &cred.Revision, &cred.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

// Save upserts the credential, bumping the revision on conflict.
func (s *PostgresStore) Save(ctx context.Context, cred Credential) (Credential, error) {
	if s.pool == nil {
		return Credential{}, fmt.Errorf("credential pool not configured")
	}
	tenantID := strings.TrimSpace(cred.TenantID)
	if tenantID == "" {
		return Credential{}, fmt.Errorf("tenant id is required")
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tenant_credentials (tenant_id, data, revision, updated_at)
		 VALUES ($1, $2, 1, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET data = EXCLUDED.data,
		     revision = tenant_credentials.revision + 1,
		     updated_at = now()
		 RETURNING tenant_id, data, revision, updated_at`, tenantID, cred.Data)
	var stored Credential
	if err := row.Scan(&stored.TenantID, &stored.Data, &stored.Revision, &stored.UpdatedAt); err != nil {
		return Credential{}, fmt.Errorf("save credential: %w", err)
	}
	return stored, nil
}

// Delete removes the tenant's credential.
func (s *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	if s.pool == nil {
		return fmt.Errorf("credential pool not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM tenant_credentials WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
