package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/knowmesh/config"
	"github.com/BaSui01/knowmesh/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

var namespaceSeq uint64

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	cfg := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := NewPoolManager(gormDB, "postgres", cfg, nil, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, cfg, manager.config)
	assert.Equal(t, 10, manager.Stats().MaxOpenConnections)
	assert.Equal(t, "postgres", manager.GetStats().Driver)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, "postgres", DefaultPoolConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "postgres", PoolConfig{MaxOpenConns: 1}, nil, nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	assert.Error(t, manager.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_CloseIsIdempotent(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, "postgres", PoolConfig{HealthCheckInterval: time.Hour}, nil, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_HealthCheckRecordsConnections(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()
	mock.ExpectPing()

	collector := metrics.NewCollector(fmt.Sprintf("dbtest_%d", atomic.AddUint64(&namespaceSeq, 1)), zap.NewNop())
	manager, err := NewPoolManager(gormDB, "postgres", PoolConfig{MaxOpenConns: 1}, collector, nil)
	require.NoError(t, err)

	manager.checkOnce()
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, manager.LastCheck().Err)
	assert.False(t, manager.LastCheck().At.IsZero())
}

func TestPoolManager_ProbeCountsFailureStreak(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "postgres", PoolConfig{MaxOpenConns: 1}, nil, nil)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	mock.ExpectPing()
	manager.checkOnce()
	manager.checkOnce()
	assert.Equal(t, 2, manager.LastCheck().Failures)
	manager.checkOnce()
	assert.Equal(t, 0, manager.LastCheck().Failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolConfigFor(t *testing.T) {
	pg := PoolConfigFor(config.DatabaseConfig{Driver: "postgres", MaxOpenConns: 40})
	assert.Equal(t, 40, pg.MaxOpenConns)
	assert.Equal(t, DefaultPoolConfig().MaxIdleConns, pg.MaxIdleConns)

	lite := PoolConfigFor(config.DatabaseConfig{Driver: "sqlite", MaxOpenConns: 40})
	assert.Equal(t, 1, lite.MaxOpenConns)
	assert.Equal(t, 1, lite.MaxIdleConns)
}

// =============================================================================
// 🧪 Open 测试
// =============================================================================

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialector(config.DatabaseConfig{Driver: driver, Name: "x.db"})
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)

	_, err = Dialector(config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "mesh.db")}

	pm, err := Open(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	require.NoError(t, pm.Ping(context.Background()))
	assert.Equal(t, 1, pm.GetStats().MaxOpenConnections)
	assert.Equal(t, "sqlite", pm.GetStats().Driver)
}
