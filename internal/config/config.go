// Package config holds all configuration types and loading logic for chatsync.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a chatsync client engine.
type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Conflict     ConflictConfig     `yaml:"conflict"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DeviceConfig holds identity and the local data directory.
type DeviceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig points at the chat server.
type ServerConfig struct {
	// URL is the REST base URL, e.g. https://chat.example.com/api.
	URL string `yaml:"url"`
	// SocketURL is the realtime endpoint, e.g. wss://chat.example.com/ws.
	SocketURL string   `yaml:"socket_url"`
	Token     string   `yaml:"token"`
	Timeout   Duration `yaml:"timeout"`
	// SendRate caps outbound realtime frames per second.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// Backend selects the durable store implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
)

// StorageConfig controls where entities and queue items are persisted.
type StorageConfig struct {
	Backend Backend `yaml:"backend"`
	// Path overrides the database file location. Empty means a file inside
	// device.data_dir named after the backend.
	Path string `yaml:"path"`
}

// QueueConfig bounds the action queue.
type QueueConfig struct {
	MaxQueueSize   int      `yaml:"max_queue_size"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	// CompletedGrace is how long completed items linger for duplicate checks.
	CompletedGrace Duration `yaml:"completed_grace"`
	// ValidatePayloads enables JSON Schema checks on enqueue.
	ValidatePayloads bool `yaml:"validate_payloads"`
}

// SyncConfig drives the reconciliation loop.
type SyncConfig struct {
	Interval          Duration `yaml:"sync_interval"`
	AutoSync          bool     `yaml:"auto_sync"`
	SyncOnReconnect   bool     `yaml:"sync_on_reconnect"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	MessageFetchLimit int      `yaml:"message_fetch_limit"`
	// RunTimeout bounds a single reconciliation run. Zero means unbounded.
	RunTimeout Duration `yaml:"run_timeout"`
}

// CacheConfig bounds the local mirror.
type CacheConfig struct {
	MaxCacheAge          Duration `yaml:"max_cache_age"`
	CacheChannelMessages int      `yaml:"cache_channel_messages"`
	CacheChannels        int      `yaml:"cache_channels"`
	MaxStorageBytes      int64    `yaml:"max_storage_bytes"`
	// Thresholds are fractions of MaxStorageBytes.
	StorageWarningThreshold  float64 `yaml:"storage_warning_threshold"`
	StorageCriticalThreshold float64 `yaml:"storage_critical_threshold"`
	// EvictFraction is the share of channels dropped on critical pressure.
	EvictFraction float64 `yaml:"evict_fraction"`
}

// ConflictConfig tunes conflict detection and tombstone retention.
type ConflictConfig struct {
	// ConcurrentWindow: timestamp deltas below it count as concurrent edits.
	ConcurrentWindow   Duration `yaml:"concurrent_window"`
	TombstoneRetention Duration `yaml:"tombstone_retention"`
}

// ConnectionConfig controls transport reconnection.
type ConnectionConfig struct {
	MaxRetries                int      `yaml:"max_retries"`
	RetryBaseDelay            Duration `yaml:"retry_base_delay"`
	RetryMaxDelay             Duration `yaml:"retry_max_delay"`
	ReconnectOnNetworkRestore bool     `yaml:"reconnect_on_network_restore"`
	// ProbeAddress is a host:port dialled to test reachability. Empty derives
	// it from server.url.
	ProbeAddress  string   `yaml:"probe_address"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// HousekeepingConfig holds cron specs for periodic maintenance.
type HousekeepingConfig struct {
	CacheCleanup     string `yaml:"cache_cleanup"`
	TombstoneCleanup string `yaml:"tombstone_cleanup"`
	QueueProcess     string `yaml:"queue_process"`
	Compaction       string `yaml:"compaction"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	APIKey         string  `yaml:"api_key"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns a Config populated with safe defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Server: ServerConfig{
			URL:       "http://localhost:8080",
			SocketURL: "ws://localhost:8080/ws",
			Timeout:   Seconds(30),
			SendRate:  20,
			SendBurst: 40,
		},
		Storage: StorageConfig{
			Backend: BackendBolt,
		},
		Queue: QueueConfig{
			MaxQueueSize:     1000,
			MaxRetries:       5,
			RetryBaseDelay:   Seconds(1),
			RetryMaxDelay:    Seconds(60),
			CompletedGrace:   Seconds(5),
			ValidatePayloads: true,
		},
		Sync: SyncConfig{
			Interval:          Seconds(30),
			AutoSync:          true,
			SyncOnReconnect:   true,
			MaxConcurrent:     3,
			MessageFetchLimit: 100,
			RunTimeout:        Seconds(120),
		},
		Cache: CacheConfig{
			MaxCacheAge:              Days(7),
			CacheChannelMessages:     100,
			CacheChannels:            50,
			MaxStorageBytes:          50 << 20,
			StorageWarningThreshold:  0.8,
			StorageCriticalThreshold: 0.95,
			EvictFraction:            0.2,
		},
		Conflict: ConflictConfig{
			ConcurrentWindow:   Seconds(1),
			TombstoneRetention: Days(30),
		},
		Connection: ConnectionConfig{
			MaxRetries:                10,
			RetryBaseDelay:            Seconds(1),
			RetryMaxDelay:             Seconds(30),
			ReconnectOnNetworkRestore: true,
			ProbeInterval:             Seconds(5),
		},
		Housekeeping: HousekeepingConfig{
			CacheCleanup:     "@every 10m",
			TombstoneCleanup: "@every 24h",
			QueueProcess:     "@every 1m",
			Compaction:       "@every 24h",
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           7420,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file yields the defaults without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	CHATSYNC_DATA_DIR         sets device.data_dir
//	CHATSYNC_SERVER_URL       sets server.url
//	CHATSYNC_SOCKET_URL       sets server.socket_url
//	CHATSYNC_TOKEN            sets server.token
//	CHATSYNC_API_KEY          sets api.api_key
//	CHATSYNC_API_PORT         sets api.port
//	CHATSYNC_LOG_LEVEL        sets logging.level
//	CHATSYNC_STORAGE_BACKEND  sets storage.backend
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
	if v := os.Getenv("CHATSYNC_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("CHATSYNC_SOCKET_URL"); v != "" {
		cfg.Server.SocketURL = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("CHATSYNC_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("CHATSYNC_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = Backend(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
	default:
		return errors.New(`storage.backend must be one of "bolt", "sqlite"`)
	}
	if c.Queue.MaxQueueSize < 1 {
		return errors.New("queue.max_queue_size must be at least 1")
	}
	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be at least 1")
	}
	if c.Queue.RetryBaseDelay <= 0 {
		return errors.New("queue.retry_base_delay must be positive")
	}
	if c.Queue.RetryMaxDelay < c.Queue.RetryBaseDelay {
		return errors.New("queue.retry_max_delay must not be below queue.retry_base_delay")
	}
	if c.Queue.CompletedGrace < 0 {
		return errors.New("queue.completed_grace must be >= 0")
	}
	if c.Sync.MaxConcurrent < 1 {
		return errors.New("sync.max_concurrent must be at least 1")
	}
	if c.Sync.MessageFetchLimit < 1 {
		return errors.New("sync.message_fetch_limit must be at least 1")
	}
	if c.Sync.AutoSync && c.Sync.Interval <= 0 {
		return errors.New("sync.sync_interval must be positive when sync.auto_sync is on")
	}
	if c.Cache.MaxCacheAge <= 0 {
		return errors.New("cache.max_cache_age must be positive")
	}
	if c.Cache.CacheChannelMessages < 1 {
		return errors.New("cache.cache_channel_messages must be at least 1")
	}
	if c.Cache.CacheChannels < 1 {
		return errors.New("cache.cache_channels must be at least 1")
	}
	if c.Cache.MaxStorageBytes < 1 {
		return errors.New("cache.max_storage_bytes must be at least 1")
	}
	w, cr := c.Cache.StorageWarningThreshold, c.Cache.StorageCriticalThreshold
	if w <= 0 || cr > 1 || w > cr {
		return errors.New("cache thresholds must satisfy 0 < warning <= critical <= 1")
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction > 1 {
		return errors.New("cache.evict_fraction must be in (0, 1]")
	}
	if c.Conflict.ConcurrentWindow < 0 {
		return errors.New("conflict.concurrent_window must be >= 0")
	}
	if c.Conflict.TombstoneRetention <= 0 {
		return errors.New("conflict.tombstone_retention must be positive")
	}
	if c.Connection.MaxRetries < 0 {
		return errors.New("connection.max_retries must be >= 0")
	}
	if c.Connection.RetryBaseDelay <= 0 || c.Connection.RetryMaxDelay < c.Connection.RetryBaseDelay {
		return errors.New("connection retry delays must satisfy 0 < base <= max")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return errors.New("api.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.New(`logging.format must be one of "json", "console"`)
	}
	return nil
}
