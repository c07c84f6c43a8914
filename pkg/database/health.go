package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the database section of the gateway's health report: a
// ping verdict plus the pool counters that matter when sessions start
// queueing on connections.
type PoolHealth struct {
	Status      string `json:"status"`
	PingMS      int64  `json:"ping_ms"`
	Open        int    `json:"open"`
	InUse       int    `json:"in_use"`
	Idle        int    `json:"idle"`
	MaxOpen     int    `json:"max_open"`
	WaitCount   int64  `json:"wait_count"`
	WaitTotalMS int64  `json:"wait_total_ms"`
}

// CheckHealth pings the pool and reports its statistics. On ping
// failure the partial report is returned alongside the error so the
// health endpoint can still serve it with a 503.
func CheckHealth(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status: "unhealthy",
			PingMS: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolHealth{
		Status:      "healthy",
		PingMS:      time.Since(start).Milliseconds(),
		Open:        stats.OpenConnections,
		InUse:       stats.InUse,
		Idle:        stats.Idle,
		MaxOpen:     stats.MaxOpenConnections,
		WaitCount:   stats.WaitCount,
		WaitTotalMS: stats.WaitDuration.Milliseconds(),
	}, nil
}
