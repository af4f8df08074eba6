package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists credentials as JSON documents in Redis, one key
// per tenant. Save runs under an optimistic transaction so the revision
// counter never goes backwards under concurrent writers, and the value
// is written in a single SET, so readers never see a partial record.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore backed by the given client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func credentialKey(tenantID string) string {
	return fmt.Sprintf("credential:%s", strings.TrimSpace(tenantID))
}

type storedCredential struct {
	Data      []byte    `json:"data"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Load returns the tenant's credential, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, tenantID string) (Credential, error) {
	if s.rdb == nil {
		return Credential{}, fmt.Errorf("redis client not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Credential{}, fmt.Errorf("tenant id is required")
	}
	raw, err := s.rdb.Get(ctx, credentialKey(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	var stored storedCredential
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return Credential{
		TenantID:  tenantID,
		Data:      stored.Data,
		Revision:  stored.Revision,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

// Save stores the credential, bumping the revision read inside a WATCH
// transaction. Retries a bounded number of times on write contention.
func (s *RedisStore) Save(ctx context.Context, cred Credential) (Credential, error) {
	if s.rdb == nil {
		return Credential{}, fmt.Errorf("redis client not configured")
	}
	tenantID := strings.TrimSpace(cred.TenantID)
	if tenantID == "" {
		return Credential{}, fmt.Errorf("tenant id is required")
	}
	key := credentialKey(tenantID)

	var result Credential
	save := func(tx *redis.Tx) error {
		revision := int64(0)
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var previous storedCredential
			if decodeErr := json.Unmarshal(raw, &previous); decodeErr == nil {
				revision = previous.Revision
			}
		}
		stored := storedCredential{
			Data:      cred.Data,
			Revision:  revision + 1,
			UpdatedAt: time.Now().UTC(),
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = Credential{
			TenantID:  tenantID,
			Data:      stored.Data,
			Revision:  stored.Revision,
			UpdatedAt: stored.UpdatedAt,
		}
		return nil
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, save, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Credential{}, fmt.Errorf("save credential: %w", err)
	}
	return Credential{}, fmt.Errorf("save credential: write contention on %s", key)
}

// Delete removes the tenant's credential.
func (s *RedisStore) Delete(ctx context.Context, tenantID string) error {
	if s.rdb == nil {
		return fmt.Errorf("redis client not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if err := s.rdb.Del(ctx, credentialKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
