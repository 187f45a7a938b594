//go:build integration

// Package containers starts the identity store and counter store in
// Docker for integration tests. It is gated behind the "integration" build
// tag so unit test builds do not pull in testcontainers:
//
//	//go:build integration
//
//	pg := containers.IdentityStore(t)   // migrated, connected client
//	rdb := containers.CounterStore(t)   // connected client
package containers

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/StricklySoft/clinic-auth/internal/migrations"
	"github.com/StricklySoft/clinic-auth/pkg/clients/postgres"
	"github.com/StricklySoft/clinic-auth/pkg/clients/redis"
)

// Postgres container settings. The credentials only ever protect an
// ephemeral local container.
const (
	DefaultPostgresImage    = "docker.io/postgres:16-alpine"
	DefaultPostgresDatabase = "clinic_test"
	DefaultPostgresUser     = "clinic"
	DefaultPostgresPassword = "clinicpassword"
)

// DefaultRedisImage is the counter store image.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// PostgresResult is a started PostgreSQL container. ConnString uses
// sslmode=disable and can be passed to [postgres.Config.URI].
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// StartPostgres starts a PostgreSQL container. The caller terminates it.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}
	return &PostgresResult{Container: container, ConnString: connStr}, nil
}

// RedisResult is a started Redis container. ConnString is a redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts a Redis container without authentication. The caller
// terminates it.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}
	return &RedisResult{Container: container, ConnString: connStr}, nil
}

// IdentityStore starts PostgreSQL, applies the schema migrations and
// returns a connected client. Everything is torn down with the test.
func IdentityStore(t *testing.T) *postgres.Client {
	t.Helper()
	ctx := context.Background()

	result, err := StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	cfg := postgres.Config{URI: result.ConnString, MaxConns: 5, MinConns: 1}
	require.NoError(t, cfg.Validate())
	require.NoError(t, migrations.Up(cfg.MigrationURL()))

	client, err := postgres.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// CounterStore starts Redis and returns a connected client. Everything is
// torn down with the test.
func CounterStore(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	result, err := StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	client, err := redis.NewClient(ctx, redis.Config{URI: result.ConnString})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
