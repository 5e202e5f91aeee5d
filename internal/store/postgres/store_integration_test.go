//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"transithub/internal/store"
	"transithub/internal/store/storetest"
)

func TestPostgresStoreContract(t *testing.T) {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hub"),
		tcpostgres.WithUsername("hub"),
		tcpostgres.WithPassword("hub"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE transitions, events, audit_log RESTART IDENTITY`)
		require.NoError(t, err)
		return s
	})
}
