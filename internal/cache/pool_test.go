package cache

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func TestRedisPoolStatsBeforeFirstCommand(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", PoolSize: 7})
	r := NewRedis(client)
	t.Cleanup(func() { _ = r.Close() })

	got := r.PoolStats()
	want := PoolStats{Max: 7}
	if got != want {
		t.Fatalf("PoolStats() = %+v, want %+v", got, want)
	}
}

func TestRedisPoolStatsClusterHasNoMax(t *testing.T) {
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{"127.0.0.1:1"}, PoolSize: 7})
	r := NewRedis(client)
	t.Cleanup(func() { _ = r.Close() })

	if got := r.PoolStats().Max; got != 0 {
		t.Fatalf("PoolStats().Max = %d, want 0 for a cluster client", got)
	}
}

func TestPostgresPoolStatsReportsConfiguredMax(t *testing.T) {
	// pgxpool connects lazily, so no server is needed to read the pool size.
	pool, err := pgxpool.New(context.Background(), "postgres://test@127.0.0.1:1/flagsync?pool_max_conns=3")
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	got := NewPostgres(pool).PoolStats()
	want := PoolStats{Max: 3}
	if got != want {
		t.Fatalf("PoolStats() = %+v, want %+v", got, want)
	}
}
