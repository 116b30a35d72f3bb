package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/knowmesh/config"
	"github.com/BaSui01/knowmesh/internal/metrics"
)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 连接池
// =============================================================================

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// 健康检查间隔（0 关闭）
	HealthCheckInterval time.Duration
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        25,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PoolConfigFor derives pool limits from the database section. SQLite is
// pinned to a single connection: the artifact table has one writer.
func PoolConfigFor(cfg config.DatabaseConfig) PoolConfig {
	pool := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.Driver == "sqlite" {
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}
	return pool
}

// CheckResult is the outcome of the last background probe.
type CheckResult struct {
	At       time.Time
	Err      error
	Failures int // consecutive
}

// PoolManager owns the GORM handle behind the SQL artifact store: pool
// limits, a background probe that reports connection counts, and shutdown.
type PoolManager struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	driver  string
	config  PoolConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	last   CheckResult

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPoolManager applies config to db's pool and starts the probe loop.
func NewPoolManager(db *gorm.DB, driver string, config PoolConfig, m *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:      db,
		sqlDB:   sqlDB,
		driver:  driver,
		config:  config,
		metrics: m,
		logger:  logger.With(zap.String("component", "db_pool"), zap.String("driver", driver)),
		done:    make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		pm.wg.Add(1)
		go pm.probeLoop()
	}

	pm.logger.Debug("database pool ready",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))
	return pm, nil
}

// DB returns the GORM handle.
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Driver returns the dialect name.
func (pm *PoolManager) Driver() string {
	return pm.driver
}

// Ping checks connectivity; ErrClosed after Close.
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats returns the raw pool statistics.
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// LastCheck returns the last background probe result. Zero before the
// first probe.
func (pm *PoolManager) LastCheck() CheckResult {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.last
}

// Close stops the probe loop and closes the pool. Idempotent.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.done)
	pm.mu.Unlock()

	pm.wg.Wait()
	pm.logger.Debug("closing database pool")
	return pm.sqlDB.Close()
}

func (pm *PoolManager) probeLoop() {
	defer pm.wg.Done()
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pm.checkOnce()
		case <-pm.done:
			return
		}
	}
}

// checkOnce pings, records the result and reports connection counts.
// Only the first failure of a streak is logged at error level.
func (pm *PoolManager) checkOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pm.Ping(ctx)

	pm.mu.Lock()
	prev := pm.last.Failures
	pm.last = CheckResult{At: time.Now(), Err: err}
	if err != nil {
		pm.last.Failures = prev + 1
	}
	failures := pm.last.Failures
	pm.mu.Unlock()

	switch {
	case err != nil && failures == 1:
		pm.logger.Error("database probe failed", zap.Error(err))
		return
	case err != nil:
		pm.logger.Debug("database still unreachable", zap.Int("failures", failures), zap.Error(err))
		return
	case prev > 0:
		pm.logger.Info("database reachable again", zap.Int("after_failures", prev))
	}

	stats := pm.Stats()
	pm.metrics.RecordDBConnections(pm.driver, stats.OpenConnections, stats.Idle)
}

// PoolStats is a JSON-friendly view of the pool.
type PoolStats struct {
	Driver             string        `json:"driver"`
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// GetStats returns the pool statistics.
func (pm *PoolManager) GetStats() PoolStats {
	stats := pm.Stats()
	return PoolStats{
		Driver:             pm.driver,
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}
