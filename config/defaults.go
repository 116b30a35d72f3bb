// =============================================================================
// 📦 knowmesh 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Node:        DefaultNodeConfig(),
		Registry:    DefaultRegistryConfig(),
		Store:       DefaultStoreConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Exchange:    DefaultExchangeConfig(),
		Query:       DefaultQueryConfig(),
		Health:      DefaultHealthConfig(),
		Integrity:   DefaultIntegrityConfig(),
		Propagation: DefaultPropagationConfig(),
		Provenance:  DefaultProvenanceConfig(),
		Reports:     DefaultReportsConfig(),
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultNodeConfig 返回默认节点配置
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Capabilities: []string{"query", "synthesis", "export"},
		Domains:      []string{},
		Quality:      0.9,
		DataDir:      ".knowmesh",
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backend:                 "file",
		DefaultMaxAge:           30 * 24 * time.Hour,
		DomainBoundCapabilities: []string{"query", "export"},
		CreateIfMissing:         true,
	}
}

// DefaultStoreConfig 返回默认工件存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: "file",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "knowmesh",
		Name:            "knowmesh.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "knowmesh:",
	}
}

// DefaultExchangeConfig 返回默认交换配置
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		ExportThreshold: 0.95,
		MinNodeTrust:    0.5,
		RemoteTimeout:   15 * time.Second,
		CacheTTL:        30 * time.Second,
	}
}

// DefaultQueryConfig 返回默认查询配置
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		MaxNodes:            5,
		NodeTimeout:         10 * time.Second,
		TopK:                10,
		MinQuality:          0.0,
		MaxArtifactsPerNode: 50,
	}
}

// DefaultHealthConfig 返回默认健康阈值
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CriticalMeanQuality:          0.90,
		WarningMeanQuality:           0.95,
		CriticalDisconnectedFraction: 0.20,
	}
}

// DefaultIntegrityConfig 返回默认完整性配置
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		Version:         "1",
		FoundationIDs:   []string{},
		IdentityDomain:  "identity",
		IdentityMarkers: []string{},
		MinQuality:      0.98,
	}
}

// DefaultPropagationConfig 返回默认维护周期配置
func DefaultPropagationConfig() PropagationConfig {
	return PropagationConfig{
		Interval:        time.Hour,
		FailedThreshold: 3,
		HistorySize:     50,
	}
}

// DefaultProvenanceConfig 返回默认溯源配置
func DefaultProvenanceConfig() ProvenanceConfig {
	return ProvenanceConfig{
		Roots:           []string{},
		BrokenThreshold: 0.10,
	}
}

// DefaultReportsConfig 返回默认报告配置
func DefaultReportsConfig() ReportsConfig {
	return ReportsConfig{
		Enabled: true,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8420,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "knowmesh",
		SampleRate:   0.1,
	}
}
