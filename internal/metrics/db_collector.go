package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool labels used by the DB gauges
const (
	PoolApp    = "app"
	PoolHealth = "health"
)

// DBStatsCollector publishes connection pool statistics. The application
// pool is a database/sql pool (sqlx over pgx stdlib); the health pool is a
// small pgxpool kept apart so readiness probes never queue behind requests.
type DBStatsCollector struct {
	appDB      *sql.DB
	healthPool *pgxpool.Pool
	logger     *slog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewDBStatsCollector creates a new database stats collector. Either source may be nil.
func NewDBStatsCollector(appDB *sql.DB, healthPool *pgxpool.Pool, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		appDB:      appDB,
		healthPool: healthPool,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", "interval", interval)
}

// Stop stops the database stats collector
func (c *DBStatsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *DBStatsCollector) collect() {
	if c.appDB != nil {
		stats := c.appDB.Stats()
		DBConnectionsOpen.WithLabelValues(PoolApp).Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues(PoolApp).Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues(PoolApp).Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues(PoolApp).Set(float64(stats.MaxOpenConnections))
	}

	if c.healthPool != nil {
		stat := c.healthPool.Stat()
		DBConnectionsOpen.WithLabelValues(PoolHealth).Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues(PoolHealth).Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues(PoolHealth).Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues(PoolHealth).Set(float64(stat.MaxConns()))
	}
}

// RecordQueryDuration records the duration of a database operation
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a database operation.
// Usage: defer metrics.TimeQuery("ledger_purge")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
