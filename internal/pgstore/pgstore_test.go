package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

var (
	_ scheduler.Persister = (*Store)(nil)
	_ optimistic.Remote   = (*Store)(nil)
)

// openTestStore connects to PIPELINE_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("PIPELINE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PIPELINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPersistSection_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	record := fmt.Sprintf("test-%s", t.Name())
	t.Cleanup(func() {
		s.db.ExecContext(context.Background(), `DELETE FROM pipeline_sections WHERE record_id = $1`, record)
	})

	require.NoError(t, s.PersistSection(ctx, record, section.Stages, payload.Payload{"items": []any{"Lead"}}))
	require.NoError(t, s.PersistSection(ctx, record, section.Stages, payload.Payload{"items": []any{"Lead", "Won"}}))

	p, ok, err := s.LoadSection(ctx, record, section.Stages)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{"Lead", "Won"}, p["items"])

	var saves int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT saves FROM pipeline_sections WHERE record_id = $1 AND section = $2`, record, "stages").Scan(&saves))
	assert.Equal(t, 2, saves)

	_, ok, err = s.LoadSection(ctx, record, section.Basic)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistEntityMutation_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("pipeline:%s", t.Name())
	t.Cleanup(func() {
		s.db.ExecContext(context.Background(), `DELETE FROM pipeline_entities WHERE key = $1`, key)
	})

	require.NoError(t, s.PersistEntityMutation(ctx, key, payload.Payload{"is_archived": true}))
	v, ok, err := s.LoadEntity(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, v["is_archived"])
}

func TestConstraint(t *testing.T) {
	assert.True(t, Constraint(fmt.Errorf("persist: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, Constraint(&pgconn.PgError{Code: "40001"}))
	assert.False(t, Constraint(errors.New("connection refused")))
	assert.False(t, Constraint(nil))
}

func TestEncode(t *testing.T) {
	text, hash, err := encode(payload.DomainSection, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", text)
	want, err := payload.Hash(payload.Payload{})
	require.NoError(t, err)
	assert.Equal(t, want, hash)
}
