// Package pgstore is the remote Postgres backend: a scheduler.Persister
// for section saves and an optimistic.Remote for entity mutations.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

//go:embed schema.sql
var schemaSQL string

// Store writes pipeline sections and entity states to Postgres.
//
// Thread-safety: Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx stdlib driver and pings the server.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// PersistSection upserts one section's payload.
func (s *Store) PersistSection(ctx context.Context, recordID string, n section.Name, p payload.Payload) error {
	text, hash, err := encode(payload.DomainSection, p)
	if err != nil {
		return fmt.Errorf("persist section %s: %w", n, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_sections (record_id, section, payload, hash)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (record_id, section) DO UPDATE SET
			payload = EXCLUDED.payload,
			hash = EXCLUDED.hash,
			saves = pipeline_sections.saves + 1,
			saved_at = now()
	`, recordID, string(n), text, hash)
	if err != nil {
		return fmt.Errorf("persist section %s: %w", n, err)
	}
	return nil
}

// LoadSection reads one section's payload. A section never saved returns
// ok=false.
func (s *Store) LoadSection(ctx context.Context, recordID string, n section.Name) (payload.Payload, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload::text FROM pipeline_sections WHERE record_id = $1 AND section = $2
	`, recordID, string(n)).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load section %s: %w", n, err)
	}
	p, err := payload.Decode([]byte(text))
	if err != nil {
		return nil, false, fmt.Errorf("load section %s: %w", n, err)
	}
	return p, true, nil
}

// PersistEntityMutation upserts an entity's committed value.
func (s *Store) PersistEntityMutation(ctx context.Context, key string, value payload.Payload) error {
	text, hash, err := encode(payload.DomainEntity, value)
	if err != nil {
		return fmt.Errorf("persist entity %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_entities (key, value, hash)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			hash = EXCLUDED.hash,
			updated_at = now()
	`, key, text, hash)
	if err != nil {
		return fmt.Errorf("persist entity %s: %w", key, err)
	}
	return nil
}

// LoadEntity reads an entity's value. A missing key returns ok=false.
func (s *Store) LoadEntity(ctx context.Context, key string) (payload.Payload, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT value::text FROM pipeline_entities WHERE key = $1`, key).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load entity %s: %w", key, err)
	}
	p, err := payload.Decode([]byte(text))
	if err != nil {
		return nil, false, fmt.Errorf("load entity %s: %w", key, err)
	}
	return p, true, nil
}

func encode(domain string, p payload.Payload) (text, hash string, err error) {
	if p == nil {
		p = payload.Payload{}
	}
	data, err := payload.MarshalCanonical(p)
	if err != nil {
		return "", "", err
	}
	hash, err = payload.Digest(domain, p)
	if err != nil {
		return "", "", err
	}
	return string(data), hash, nil
}

// Constraint reports whether err is a Postgres integrity violation
// (SQLSTATE class 23). Such errors will fail again on retry.
func Constraint(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return len(pgErr.Code) == 5 && pgErr.Code[:2] == "23"
}
