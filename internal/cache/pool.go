package cache

import "github.com/redis/go-redis/v9"

// PoolStats is a point-in-time view of a backend's connection pool.
type PoolStats struct {
	Acquired     int64
	Idle         int64
	Total        int64
	Max          int64
	WaitTimeouts int64
}

func (p *Postgres) PoolStats() PoolStats {
	stat := p.pool.Stat()
	return PoolStats{
		Acquired:     int64(stat.AcquiredConns()),
		Idle:         int64(stat.IdleConns()),
		Total:        int64(stat.TotalConns()),
		Max:          int64(stat.MaxConns()),
		WaitTimeouts: stat.CanceledAcquireCount(),
	}
}

// PoolStats reports Max only for single-node clients; cluster and ring
// clients size their pools per node.
func (r *Redis) PoolStats() PoolStats {
	stat := r.client.PoolStats()
	out := PoolStats{
		Idle:         int64(stat.IdleConns),
		Total:        int64(stat.TotalConns),
		WaitTimeouts: int64(stat.Timeouts),
	}
	out.Acquired = out.Total - out.Idle
	if c, ok := r.client.(*redis.Client); ok {
		out.Max = int64(c.Options().PoolSize)
	}
	return out
}
