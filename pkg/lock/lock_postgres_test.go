//go:build integration

package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/gatewayshift/orchestrator/pkg/datastore"
)

func TestPostgresLockSingleWinner(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("orchestrator"),
		postgres.WithUsername("orch"),
		postgres.WithPassword("orch"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := datastore.Open(datastore.Config{Type: datastore.TypePostgres, DSN: dsn, MaxOpenConns: 16})
	require.NoError(t, err)
	assertSingleWinner(t, NewManager(db))
}
