package spool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-relay/pkg/config"
)

func newTestSqliteSpool(t *testing.T) *sqliteSpool {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "spool.db")
	s, err := newSqliteSpool(config.SpoolSettings{Type: "sqlite", DSN: dsn}, "scan_events")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSqliteSpool_AppendLoadRemove(t *testing.T) {
	s := newTestSqliteSpool(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, testEnvelope(seq)))
	}

	envs, err := s.LoadAll(ctx)
	assert.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, uint64(1), envs[0].Record.Sequence)
	assert.Equal(t, uint64(3), envs[2].Record.Sequence)

	assert.NoError(t, s.Remove(ctx, 1))

	count, err := s.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	err = s.Remove(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSqliteSpool_Quarantine(t *testing.T) {
	s := newTestSqliteSpool(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, testEnvelope(1)))
	require.NoError(t, s.Append(ctx, testEnvelope(2)))

	assert.NoError(t, s.Quarantine(ctx, 1, "redelivery failed"))

	envs, err := s.LoadAll(ctx)
	assert.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(2), envs[0].Record.Sequence)

	dead, err := s.DeadCount(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, dead)
}

func TestSqliteSpool_CorruptRowQuarantined(t *testing.T) {
	s := newTestSqliteSpool(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, testEnvelope(1)))

	// A row that cannot be decoded must be moved aside, not abort the load.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spool (queue, seq, envelope) VALUES (?, ?, ?)`,
		"scan_events", 2, "not json at all")
	require.NoError(t, err)

	envs, err := s.LoadAll(ctx)
	assert.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(1), envs[0].Record.Sequence)

	dead, err := s.DeadCount(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, dead)

	count, err := s.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
