// Package cache manages the shared Redis connection.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/config"
)

// ErrClosed is returned by a closed Manager.
var ErrClosed = errors.New("redis manager is closed")

// Config 连接参数
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int

	// 建连探活超时
	DialTimeout time.Duration

	// 后台探活间隔（0 关闭）
	HealthCheckInterval time.Duration
}

// DefaultConfig 返回默认连接参数
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		DialTimeout:         5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// FromRedisConfig 由节点配置生成连接参数
func FromRedisConfig(rc config.RedisConfig) Config {
	c := DefaultConfig()
	if rc.Addr != "" {
		c.Addr = rc.Addr
	}
	c.Password = rc.Password
	c.DB = rc.DB
	if rc.PoolSize > 0 {
		c.PoolSize = rc.PoolSize
	}
	return c
}

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager owns the Redis client shared by the registry backend. The
// connection is verified on construction; afterwards a background probe
// tracks reachability and logs transitions only.
type Manager struct {
	client  *redis.Client
	config  Config
	logger  *zap.Logger
	healthy atomic.Bool

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager dials Redis and fails if it cannot be reached within
// DialTimeout or before ctx ends.
func NewManager(ctx context.Context, config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis"), zap.String("addr", config.Addr)),
		done:   make(chan struct{}),
	}
	m.healthy.Store(true)
	if config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.probeLoop()
	}

	m.logger.Info("redis connected", zap.Int("pool_size", config.PoolSize))
	return m, nil
}

// Client returns the shared client.
func (m *Manager) Client() redis.UniversalClient {
	return m.client
}

// Ping checks the connection; ErrClosed after Close.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Healthy reports the outcome of the most recent probe.
func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Close stops the probe and releases the client. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	m.healthy.Store(false)
	m.logger.Info("redis connection closed")
	return m.client.Close()
}

func (m *Manager) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Ping(ctx)
	if errors.Is(err, ErrClosed) {
		return
	}
	was := m.healthy.Swap(err == nil)
	switch {
	case err != nil && was:
		m.logger.Error("redis became unreachable", zap.Error(err))
	case err == nil && !was:
		m.logger.Info("redis reachable again")
	}
}

// Stats 连接池统计
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
}

// GetStats returns pool statistics; ErrClosed after Close.
func (m *Manager) GetStats() (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ps := m.client.PoolStats()
	return &Stats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
	}, nil
}
