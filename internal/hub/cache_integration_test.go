//go:build integration

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"transithub/internal/domain"
	"transithub/internal/store/memory"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client)
	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Summary{
		Pending:         map[string]int{SourceEvents: 1, SourceTransitions: 0, TotalKey: 1},
		PreferredSource: SourceEvents,
		RecentActivity: []domain.ActivityEntry{{
			ID: "ev-1", Kind: "invoice.overdue", Summary: "invoice.overdue", OccurredAt: t0, SeverityHint: domain.SeverityFinancial,
		}},
		GeneratedAt: t0,
	}
	require.NoError(t, cache.Set(ctx, "k", want, time.Minute))
	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Pending, got.Pending)
	assert.Equal(t, want.PreferredSource, got.PreferredSource)
	assert.True(t, want.GeneratedAt.Equal(got.GeneratedAt))
	require.Len(t, got.RecentActivity, 1)
	assert.Equal(t, "ev-1", got.RecentActivity[0].ID)

	ttl, err := client.TTL(ctx, summaryKeyPrefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestAggregatorSharesSnapshotThroughRedis(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := memory.New()
	seedTransitions(t, st, 0, 2)
	a := Aggregator{Store: st, Cache: NewRedisCache(client), CacheTTL: time.Minute}
	b := Aggregator{Store: st, Cache: NewRedisCache(client), CacheTTL: time.Minute}

	first, err := a.Summarize(ctx)
	require.NoError(t, err)
	seedTransitions(t, st, 2, 5)
	second, err := b.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Pending, second.Pending)
	assert.Equal(t, 2, second.Pending[SourceTransitions])
}
