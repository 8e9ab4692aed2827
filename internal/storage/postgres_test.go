package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"sector7g/internal/schedule/storetest"
	logx "sector7g/pkg/logx"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("sector7g_test"),
		tcpostgres.WithUsername("sector7g"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := Config{Driver: "postgres", URL: url, AutoMigrate: true}
	st, err := Open(ctx, cfg, testOpts, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	storetest.Run(t, st)

	v, err := Migrate(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}
