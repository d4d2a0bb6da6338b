package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/mailcast/internal/db"
)

func TestPGXPoolStatsAddsDeltasNotTotals(t *testing.T) {
	pool := db.StartTestPostgres(t)
	m := NewPGXPoolStats(pool)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Ping(ctx))
	}

	m.sample()
	first := testutil.ToFloat64(m.acquireCount)
	require.Greater(t, first, 0.0)

	// No pool activity between samples: the cumulative total is unchanged
	// and the counter must not grow.
	m.sample()
	require.Equal(t, first, testutil.ToFloat64(m.acquireCount))

	require.NoError(t, pool.Ping(ctx))
	m.sample()
	require.Greater(t, testutil.ToFloat64(m.acquireCount), first)
}
