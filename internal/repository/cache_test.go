package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/aspen/internal/testutil"
)

func TestPreparedStatementCache(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t, "TestPreparedStatementCache")
	defer cleanup()

	cache := NewPreparedStatementCache(db)
	ctx := context.Background()

	first, err := cache.Get(ctx, "SELECT 1")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Size())

	var one int
	require.NoError(t, first.QueryRowContext(ctx).Scan(&one))
	assert.Equal(t, 1, one)

	// the driver prepares lazily, so bad SQL surfaces on execution
	bad, err := cache.Get(ctx, "NOT SQL AT ALL")
	if err == nil {
		_, err = bad.ExecContext(ctx)
	}
	assert.Error(t, err)

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Size())
}
