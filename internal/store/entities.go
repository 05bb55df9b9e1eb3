package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// PersistEntityMutation stores the committed value of an optimistic
// mutation.
func (s *Store) PersistEntityMutation(ctx context.Context, key string, value payload.Payload) error {
	text, hash, err := encodePayload(payload.DomainEntity, value)
	if err != nil {
		return fmt.Errorf("persist entity %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_states (key, value, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`, key, text, hash, s.timestamp())
	if err != nil {
		return fmt.Errorf("persist entity %s: %w", key, err)
	}
	return nil
}

// LoadEntity reads an entity's stored value. A missing key returns
// ok=false.
func (s *Store) LoadEntity(ctx context.Context, key string) (payload.Payload, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entity_states WHERE key = ?`, key).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load entity %s: %w", key, err)
	}
	p, err := decodePayload(text)
	if err != nil {
		return nil, false, fmt.Errorf("load entity %s: %w", key, err)
	}
	return p, true, nil
}
