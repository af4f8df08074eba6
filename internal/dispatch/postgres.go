package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDeadLetterStore persists dead letters in the
// message_dead_letters table.
type PostgresDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetterStore creates a store backed by the given pool.
func NewPostgresDeadLetterStore(pool *pgxpool.Pool) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{pool: pool}
}

func (s *PostgresDeadLetterStore) Add(ctx context.Context, msg Message) error {
	if s.pool == nil {
		return fmt.Errorf("dead letter pool not configured")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_dead_letters
		 (id, tenant_id, recipient, text, media_ref, attempts, reason, enqueued_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.TenantID, msg.Recipient, msg.Payload.Text, msg.Payload.MediaRef,
		msg.Attempts, msg.Reason, msg.EnqueuedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

func (s *PostgresDeadLetterStore) List(ctx context.Context, tenantID string, limit int) ([]Message, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dead letter pool not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, recipient, text, media_ref, attempts, reason, enqueued_at, failed_at
		 FROM message_dead_letters
		 WHERE tenant_id = $1
		 ORDER BY failed_at DESC
		 LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		msg := Message{Status: StatusFailed}
		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.Recipient, &msg.Payload.Text,
			&msg.Payload.MediaRef, &msg.Attempts, &msg.Reason, &msg.EnqueuedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return items, nil
}
