// =============================================================================
// 📦 knowmesh 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("knowmesh.yaml").
//	    WithEnvPrefix("KNOWMESH").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 knowmesh 节点的完整配置结构
type Config struct {
	// Node 本节点身份
	Node NodeConfig `yaml:"node" env:"NODE"`

	// Registry 注册表配置
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Store 工件存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Database 数据库配置（store.backend=sql 时使用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 配置（registry.backend=redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Exchange 工件交换配置
	Exchange ExchangeConfig `yaml:"exchange" env:"EXCHANGE"`

	// Query 跨节点查询配置
	Query QueryConfig `yaml:"query" env:"QUERY"`

	// Health 健康监测阈值
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Integrity 基础工件完整性配置
	Integrity IntegrityConfig `yaml:"integrity" env:"INTEGRITY"`

	// Propagation 维护周期配置
	Propagation PropagationConfig `yaml:"propagation" env:"PROPAGATION"`

	// Provenance 溯源校验配置
	Provenance ProvenanceConfig `yaml:"provenance" env:"PROVENANCE"`

	// Reports 报告输出配置
	Reports ReportsConfig `yaml:"reports" env:"REPORTS"`

	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// NodeConfig 本节点身份配置
type NodeConfig struct {
	// 节点 ID（不可变）
	ID string `yaml:"id" env:"ID"`
	// 显示名称
	Name string `yaml:"name" env:"NAME"`
	// 描述
	Description string `yaml:"description" env:"DESCRIPTION"`
	// 对外端点：本地目录或 http(s) 地址
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 能力标签
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
	// 领域标签
	Domains []string `yaml:"domains" env:"DOMAINS"`
	// 自声明质量分 [0,1]
	Quality float64 `yaml:"quality" env:"QUALITY"`
	// 数据根目录，其余路径为空时以此为基准
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

// RegistryConfig 注册表配置
type RegistryConfig struct {
	// 后端: file, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// 文件路径（file 后端）
	Path string `yaml:"path" env:"PATH"`
	// 活跃窗口
	DefaultMaxAge time.Duration `yaml:"default_max_age" env:"DEFAULT_MAX_AGE"`
	// 需要领域标签的能力
	DomainBoundCapabilities []string `yaml:"domain_bound_capabilities" env:"DOMAIN_BOUND_CAPABILITIES"`
	// 启动时不存在则初始化
	CreateIfMissing bool `yaml:"create_if_missing" env:"CREATE_IF_MISSING"`
}

// StoreConfig 工件存储配置
type StoreConfig struct {
	// 后端: file, sql
	Backend string `yaml:"backend" env:"BACKEND"`
	// 本地工件目录（file 后端）
	Path string `yaml:"path" env:"PATH"`
	// 导出暂存目录
	StagingPath string `yaml:"staging_path" env:"STAGING_PATH"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// ExchangeConfig 工件交换配置
type ExchangeConfig struct {
	// 导出质量阈值
	ExportThreshold float64 `yaml:"export_threshold" env:"EXPORT_THRESHOLD"`
	// 导出领域限制（为空不限制）
	ExportDomains []string `yaml:"export_domains" env:"EXPORT_DOMAINS"`
	// 最低节点信任分
	MinNodeTrust float64 `yaml:"min_node_trust" env:"MIN_NODE_TRUST"`
	// 远端请求超时
	RemoteTimeout time.Duration `yaml:"remote_timeout" env:"REMOTE_TIMEOUT"`
	// 远端列表缓存 TTL（0 关闭）
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 访问远端节点时携带的 Bearer Token
	BearerToken string `yaml:"bearer_token" env:"BEARER_TOKEN"`
	// 额外信任的 CA 证书（PEM），用于私有联邦
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// QueryConfig 跨节点查询配置
type QueryConfig struct {
	// 最大扇出节点数
	MaxNodes int `yaml:"max_nodes" env:"MAX_NODES"`
	// 单节点超时
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// 综合结果保留条数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 单工件最低质量
	MinQuality float64 `yaml:"min_quality" env:"MIN_QUALITY"`
	// 单节点最多返回工件数
	MaxArtifactsPerNode int `yaml:"max_artifacts_per_node" env:"MAX_ARTIFACTS_PER_NODE"`
}

// HealthConfig 健康监测阈值
type HealthConfig struct {
	// 低于该均值为 critical
	CriticalMeanQuality float64 `yaml:"critical_mean_quality" env:"CRITICAL_MEAN_QUALITY"`
	// 低于该均值为 warning
	WarningMeanQuality float64 `yaml:"warning_mean_quality" env:"WARNING_MEAN_QUALITY"`
	// 孤立单元占比超过该值为 critical
	CriticalDisconnectedFraction float64 `yaml:"critical_disconnected_fraction" env:"CRITICAL_DISCONNECTED_FRACTION"`
}

// IntegrityConfig 基础工件完整性配置
type IntegrityConfig struct {
	// 基础工件清单版本
	Version string `yaml:"version" env:"VERSION"`
	// 基础工件 ID
	FoundationIDs []string `yaml:"foundation_ids" env:"FOUNDATION_IDS"`
	// 身份领域标签
	IdentityDomain string `yaml:"identity_domain" env:"IDENTITY_DOMAIN"`
	// 身份标记词
	IdentityMarkers []string `yaml:"identity_markers" env:"IDENTITY_MARKERS"`
	// 基础工件最低质量（低于仅告警）
	MinQuality float64 `yaml:"min_quality" env:"MIN_QUALITY"`
}

// PropagationConfig 维护周期配置
type PropagationConfig struct {
	// 周期间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 失败步骤数达到该值判定为 failed
	FailedThreshold int `yaml:"failed_threshold" env:"FAILED_THRESHOLD"`
	// 内存中保留的周期记录数
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
	// 导出目标（为空表示任意节点）
	ExportTarget string `yaml:"export_target" env:"EXPORT_TARGET"`
}

// ProvenanceConfig 溯源校验配置
type ProvenanceConfig struct {
	// 仓库根目录列表
	Roots []string `yaml:"roots" env:"ROOTS"`
	// 失效引用占比超过该值时给出建议
	BrokenThreshold float64 `yaml:"broken_threshold" env:"BROKEN_THRESHOLD"`
}

// ReportsConfig 报告输出配置
type ReportsConfig struct {
	// 是否写报告文件
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 报告目录
	Dir string `yaml:"dir" env:"DIR"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端的限流速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// serve 时是否同时运行维护周期
	RunPropagation bool `yaml:"run_propagation" env:"RUN_PROPAGATION"`
	// TLS 证书与私钥（PEM），都设置时以 HTTPS 发布
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// JWT 校验（为空关闭）
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 校验配置
type JWTConfig struct {
	// HMAC 密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// 签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 受众
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 是否使用明文 gRPC
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KNOWMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Validate 验证配置，汇总全部错误
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Node.ID) == "" {
		errs = append(errs, "node.id is required")
	}
	if c.Node.Quality < 0 || c.Node.Quality > 1 {
		errs = append(errs, "node.quality must be between 0 and 1")
	}
	switch c.Registry.Backend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown registry.backend %q", c.Registry.Backend))
	}
	switch c.Store.Backend {
	case "file":
	case "sql":
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}
	for name, v := range map[string]float64{
		"exchange.export_threshold":             c.Exchange.ExportThreshold,
		"exchange.min_node_trust":               c.Exchange.MinNodeTrust,
		"query.min_quality":                     c.Query.MinQuality,
		"health.critical_mean_quality":          c.Health.CriticalMeanQuality,
		"health.warning_mean_quality":           c.Health.WarningMeanQuality,
		"health.critical_disconnected_fraction": c.Health.CriticalDisconnectedFraction,
		"integrity.min_quality":                 c.Integrity.MinQuality,
		"provenance.broken_threshold":           c.Provenance.BrokenThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, name+" must be between 0 and 1")
		}
	}
	if c.Health.CriticalMeanQuality > c.Health.WarningMeanQuality {
		errs = append(errs, "health.critical_mean_quality must not exceed warning_mean_quality")
	}
	if c.Query.MaxNodes <= 0 {
		errs = append(errs, "query.max_nodes must be positive")
	}
	if c.Query.NodeTimeout <= 0 {
		errs = append(errs, "query.node_timeout must be positive")
	}
	if c.Propagation.FailedThreshold <= 0 {
		errs = append(errs, "propagation.failed_threshold must be positive")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	if len(errs) > 0 {
		// map 迭代顺序不定，排序后输出稳定
		sort.Strings(errs)
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RegistryPath 返回注册表文件路径
func (c *Config) RegistryPath() string {
	return c.pathOr(c.Registry.Path, "registry.json")
}

// ArtifactsPath 返回本地工件目录
func (c *Config) ArtifactsPath() string {
	return c.pathOr(c.Store.Path, "artifacts")
}

// StagingPath 返回导出暂存目录
func (c *Config) StagingPath() string {
	return c.pathOr(c.Store.StagingPath, "exports")
}

// ReportsDir 返回报告目录
func (c *Config) ReportsDir() string {
	return c.pathOr(c.Reports.Dir, "reports")
}

func (c *Config) pathOr(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(c.Node.DataDir, name)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
