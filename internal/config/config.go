package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Performance PerformanceConfig `yaml:"performance"`
	Cache       CacheConfig       `yaml:"cache"`
	WriteBuffer WriteBufferConfig `yaml:"write_buffer"`
	Network     NetworkConfig     `yaml:"network"`
	Security    SecurityConfig    `yaml:"security"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Features    FeatureConfig     `yaml:"features"`
	Router      RouterConfig      `yaml:"router"`
	SCOCache    SCOCacheFileConfig `yaml:"scocache"`
	LocalNode   LocalNodeConfig   `yaml:"local_node"`
	Storage     StorageConfig     `yaml:"storage"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	API         APIConfig         `yaml:"api"`
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// HealthMonitorConfig configures the system-wide health monitor
// (internal/health) that watches the object router, cluster manager, and
// blob backend, raising alerts and optionally triggering auto-recovery.
type HealthMonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	AlertingEnabled  bool          `yaml:"alerting_enabled"`
	AutoRecovery     bool          `yaml:"auto_recovery"`
	RecoveryAttempts int           `yaml:"recovery_attempts"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	ProfilePort int    `yaml:"profile_port"`
}

// PerformanceConfig represents performance-related settings
type PerformanceConfig struct {
	CacheSize          string `yaml:"cache_size"`
	WriteBufferSize    string `yaml:"write_buffer_size"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
	ReadAheadSize      string `yaml:"read_ahead_size"`
	CompressionEnabled bool   `yaml:"compression_enabled"`
	ConnectionPoolSize int    `yaml:"connection_pool_size"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	TTL             time.Duration         `yaml:"ttl"`
	MaxEntries      int                   `yaml:"max_entries"`
	EvictionPolicy  string                `yaml:"eviction_policy"`
	PersistentCache PersistentCacheConfig `yaml:"persistent_cache"`
}

// PersistentCacheConfig represents persistent cache settings
type PersistentCacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	MaxSize   string `yaml:"max_size"`
}

// WriteBufferConfig represents write buffer configuration
type WriteBufferConfig struct {
	FlushInterval time.Duration     `yaml:"flush_interval"`
	MaxBuffers    int               `yaml:"max_buffers"`
	MaxMemory     string            `yaml:"max_memory"`
	Compression   CompressionConfig `yaml:"compression"`
}

// CompressionConfig represents compression settings
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MinSize   string `yaml:"min_size"`
	Algorithm string `yaml:"algorithm"`
	Level     int    `yaml:"level"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SecurityConfig represents security settings
type SecurityConfig struct {
	TLS        TLSConfig        `yaml:"tls"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// TLSConfig represents TLS settings
type TLSConfig struct {
	VerifyCertificates bool   `yaml:"verify_certificates"`
	MinVersion         string `yaml:"min_version"`
}

// EncryptionConfig represents encryption settings
type EncryptionConfig struct {
	InTransit bool `yaml:"in_transit"`
	AtRest    bool `yaml:"at_rest"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool           `yaml:"structured"`
	Format     string         `yaml:"format"`
	Sampling   SamplingConfig `yaml:"sampling"`
}

// SamplingConfig represents log sampling settings
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`
}

// FeatureConfig represents feature flags
type FeatureConfig struct {
	Prefetching           bool `yaml:"prefetching"`
	BatchOperations       bool `yaml:"batch_operations"`
	SmallFileOptimization bool `yaml:"small_file_optimization"`
	MetadataCaching       bool `yaml:"metadata_caching"`
	OfflineMode           bool `yaml:"offline_mode"`
}

// RouterConfig configures the object router (internal/objectrouter).
type RouterConfig struct {
	ID        string `yaml:"id"`
	ClusterID string `yaml:"cluster_id"`

	VolumeReadThreshold             uint64        `yaml:"volume_read_threshold"`
	VolumeWriteThreshold            uint64        `yaml:"volume_write_threshold"`
	FileReadThreshold               uint64        `yaml:"file_read_threshold"`
	FileWriteThreshold               uint64        `yaml:"file_write_threshold"`
	CheckLocalVolumePotentialPeriod uint64        `yaml:"check_local_volume_potential_period"`
	BackendSyncTimeoutMs            int           `yaml:"backend_sync_timeout_ms"`
	MigrateTimeoutMs                int           `yaml:"migrate_timeout_ms"`
	RedirectTimeoutMs               int           `yaml:"redirect_timeout_ms"`
	RedirectRetries                  int           `yaml:"redirect_retries"`
	RoutingRetries                   int           `yaml:"routing_retries"`
	MinWorkers                       int           `yaml:"min_workers"`
	MaxWorkers                       int           `yaml:"max_workers"`
	RegistryCacheCapacity            int           `yaml:"registry_cache_capacity"`
}

// SCOCacheFileConfig configures the SCO cache engine (internal/scocache).
type SCOCacheFileConfig struct {
	TriggerGap             int64              `yaml:"trigger_gap"`
	BackoffGap             int64              `yaml:"backoff_gap"`
	DiscountFactor         float64            `yaml:"discount_factor"`
	DatastoreThrottleUsecs int64              `yaml:"datastore_throttle_usecs"`
	MountPoints            []SCOMountPointCfg `yaml:"scocache_mount_points"`
}

// SCOMountPointCfg is one entry of scocache_mount_points.
type SCOMountPointCfg struct {
	Path     string `yaml:"path"`
	Capacity int64  `yaml:"capacity"`
}

// LocalNodeConfig configures the local-node engine (internal/localnode).
type LocalNodeConfig struct {
	LocalIOSleepBeforeRetryUsecs int           `yaml:"local_io_sleep_before_retry_usecs"`
	LocalIORetries               int           `yaml:"local_io_retries"`
	SCOMultiplier                int           `yaml:"sco_multiplier"`
	LockReaperInterval           time.Duration `yaml:"lock_reaper_interval"`
}

// StorageConfig configures the blob backend the volume engine and the
// SCO cache's datastore fetches flow through (internal/storage/s3).
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// ClusterConfig configures cluster membership and consensus
// (internal/distributed), which backs the object router's registry.
type ClusterConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	AdvertiseAddr     string        `yaml:"advertise_addr"`
	SeedNodes         []string      `yaml:"seed_nodes"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// APIConfig configures the admin/inspection HTTP API (pkg/api).
type APIConfig struct {
	Address string `yaml:"address"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
			ProfilePort: 6060,
		},
		Performance: PerformanceConfig{
			CacheSize:          "2GB",
			WriteBufferSize:    "16MB",
			MaxConcurrency:     150,
			ReadAheadSize:      "64MB",
			CompressionEnabled: true,
			ConnectionPoolSize: 8,
		},
		Cache: CacheConfig{
			TTL:            5 * time.Minute,
			MaxEntries:     100000,
			EvictionPolicy: "weighted_lru",
			PersistentCache: PersistentCacheConfig{
				Enabled:   false,
				Directory: "/var/cache/objectfs",
				MaxSize:   "10GB",
			},
		},
		WriteBuffer: WriteBufferConfig{
			FlushInterval: 30 * time.Second,
			MaxBuffers:    1000,
			MaxMemory:     "512MB",
			Compression: CompressionConfig{
				Enabled:   true,
				MinSize:   "1KB",
				Algorithm: "gzip",
				Level:     6,
			},
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Security: SecurityConfig{
			TLS: TLSConfig{
				VerifyCertificates: true,
				MinVersion:         "1.2",
			},
			Encryption: EncryptionConfig{
				InTransit: true,
				AtRest:    true,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "objectfs",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
				Sampling: SamplingConfig{
					Enabled: true,
					Rate:    1000,
				},
			},
		},
		Features: FeatureConfig{
			Prefetching:           true,
			BatchOperations:       true,
			SmallFileOptimization: true,
			MetadataCaching:       true,
			OfflineMode:           false,
		},
		Router: RouterConfig{
			VolumeReadThreshold:              500,
			VolumeWriteThreshold:             500,
			FileReadThreshold:                500,
			FileWriteThreshold:                500,
			CheckLocalVolumePotentialPeriod:  100,
			BackendSyncTimeoutMs:             30000,
			MigrateTimeoutMs:                 60000,
			RedirectTimeoutMs:                5000,
			RedirectRetries:                  3,
			RoutingRetries:                   3,
			MinWorkers:                       4,
			MaxWorkers:                       64,
			RegistryCacheCapacity:            4096,
		},
		SCOCache: SCOCacheFileConfig{
			TriggerGap:             1 << 30,
			BackoffGap:             2 << 30,
			DiscountFactor:         0.1,
			DatastoreThrottleUsecs: 4000,
		},
		LocalNode: LocalNodeConfig{
			LocalIOSleepBeforeRetryUsecs: 100000,
			LocalIORetries:               3,
			SCOMultiplier:                8,
			LockReaperInterval:           30 * time.Second,
		},
		Storage: StorageConfig{
			Region:         "us-east-1",
			ForcePathStyle: false,
		},
		Cluster: ClusterConfig{
			ListenAddr:        "0.0.0.0:7070",
			JoinTimeout:       30 * time.Second,
			ElectionTimeout:   5 * time.Second,
			HeartbeatInterval: 1 * time.Second,
		},
		API: APIConfig{
			Address: "localhost:8080",
		},
		HealthMonitor: HealthMonitorConfig{
			Enabled:          true,
			CheckInterval:    time.Minute,
			AlertingEnabled:  true,
			AutoRecovery:     false,
			RecoveryAttempts: 3,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("OBJECTFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OBJECTFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("OBJECTFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Performance settings
	if val := os.Getenv("OBJECTFS_CACHE_SIZE"); val != "" {
		c.Performance.CacheSize = val
	}
	if val := os.Getenv("OBJECTFS_WRITE_BUFFER_SIZE"); val != "" {
		c.Performance.WriteBufferSize = val
	}
	if val := os.Getenv("OBJECTFS_MAX_CONCURRENCY"); val != "" {
		if concurrency, err := strconv.Atoi(val); err == nil {
			c.Performance.MaxConcurrency = concurrency
		}
	}
	if val := os.Getenv("OBJECTFS_READ_AHEAD_SIZE"); val != "" {
		c.Performance.ReadAheadSize = val
	}
	if val := os.Getenv("OBJECTFS_COMPRESSION_ENABLED"); val != "" {
		c.Performance.CompressionEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("OBJECTFS_CONNECTION_POOL_SIZE"); val != "" {
		if poolSize, err := strconv.Atoi(val); err == nil {
			c.Performance.ConnectionPoolSize = poolSize
		}
	}

	// Cache settings
	if val := os.Getenv("OBJECTFS_CACHE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = duration
		}
	}

	// Feature flags
	if val := os.Getenv("OBJECTFS_PREFETCHING"); val != "" {
		c.Features.Prefetching = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("OBJECTFS_BATCH_OPERATIONS"); val != "" {
		c.Features.BatchOperations = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("OBJECTFS_OFFLINE_MODE"); val != "" {
		c.Features.OfflineMode = strings.ToLower(val) == "true"
	}

	// Router settings
	if val := os.Getenv("VOLUMEROUTER_NODE_ID"); val != "" {
		c.Router.ID = val
	}
	if val := os.Getenv("VOLUMEROUTER_CLUSTER_ID"); val != "" {
		c.Router.ClusterID = val
	}

	// Local-node settings
	if val := os.Getenv("VOLUMEROUTER_LOCAL_IO_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.LocalNode.LocalIORetries = retries
		}
	}

	// Storage settings
	if val := os.Getenv("VOLUMEROUTER_BUCKET"); val != "" {
		c.Storage.Bucket = val
	}
	if val := os.Getenv("VOLUMEROUTER_STORAGE_REGION"); val != "" {
		c.Storage.Region = val
	}
	if val := os.Getenv("VOLUMEROUTER_STORAGE_ENDPOINT"); val != "" {
		c.Storage.Endpoint = val
	}
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		c.Storage.AccessKeyID = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		c.Storage.SecretAccessKey = val
	}

	// Cluster settings
	if val := os.Getenv("VOLUMEROUTER_CLUSTER_LISTEN"); val != "" {
		c.Cluster.ListenAddr = val
	}
	if val := os.Getenv("VOLUMEROUTER_CLUSTER_ADVERTISE"); val != "" {
		c.Cluster.AdvertiseAddr = val
	}
	if val := os.Getenv("VOLUMEROUTER_CLUSTER_SEEDS"); val != "" {
		c.Cluster.SeedNodes = strings.Split(val, ",")
	}

	// API settings
	if val := os.Getenv("VOLUMEROUTER_API_ADDRESS"); val != "" {
		c.API.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Performance.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be greater than 0")
	}

	if c.Performance.ConnectionPoolSize <= 0 {
		return fmt.Errorf("connection_pool_size must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Router.MinWorkers <= 0 || c.Router.MaxWorkers < c.Router.MinWorkers {
		return fmt.Errorf("router.min_workers/max_workers must satisfy 0 < min_workers <= max_workers")
	}

	if c.SCOCache.BackoffGap <= c.SCOCache.TriggerGap {
		return fmt.Errorf("scocache.backoff_gap must be greater than scocache.trigger_gap")
	}

	if c.LocalNode.LocalIORetries < 0 {
		return fmt.Errorf("local_node.local_io_retries must be >= 0")
	}

	return nil
}