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
	Global     GlobalConfig     `yaml:"global"`
	ChunkCache ChunkCacheConfig `yaml:"chunk_cache"`
	FileCache  FileCacheConfig  `yaml:"file_cache"`
	PlayerPool PlayerPoolConfig `yaml:"player_pool"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Thumbnails ThumbnailConfig  `yaml:"thumbnails"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Saver      SaverConfig      `yaml:"saver"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	CacheRoot   string `yaml:"cache_root"`
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
}

// ChunkCacheConfig configures the byte-range streaming cache
type ChunkCacheConfig struct {
	Directory    string        `yaml:"directory"`
	MaxBytes     int64         `yaml:"max_bytes"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// FileCacheConfig configures the full-file download cache
type FileCacheConfig struct {
	Directory       string        `yaml:"directory"`
	MinValidBytes   int64         `yaml:"min_valid_bytes"`
	MaxAge          time.Duration `yaml:"max_age"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// PlayerPoolConfig bounds concurrent playback engine instances
type PlayerPoolConfig struct {
	MaxPlayers int `yaml:"max_players"`
}

// CatalogConfig configures the model catalog cache
type CatalogConfig struct {
	Validity time.Duration `yaml:"validity"`
}

// ThumbnailConfig configures the thumbnail cache
type ThumbnailConfig struct {
	Directory   string `yaml:"directory"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// LedgerConfig configures the durable video access ledger
type LedgerConfig struct {
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
}

// SaverConfig configures background offline saving
type SaverConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	AutoSaveAccessCount int64         `yaml:"auto_save_access_count"`
	PrecacheTimeout     time.Duration `yaml:"precache_timeout"`
	PrecacheBytes       int64         `yaml:"precache_bytes"`
}

// JanitorConfig configures scheduled cache maintenance
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	root := defaultCacheRoot()
	return &Configuration{
		Global: GlobalConfig{
			CacheRoot:   root,
			LogLevel:    "INFO",
			Development: false,
		},
		ChunkCache: ChunkCacheConfig{
			Directory:    filepath.Join(root, "chunks"),
			MaxBytes:     200 * 1024 * 1024, // 200 MiB
			SyncInterval: time.Minute,
			FetchTimeout: 30 * time.Second,
		},
		FileCache: FileCacheConfig{
			Directory:       filepath.Join(root, "videos"),
			MinValidBytes:   1024,
			MaxAge:          7 * 24 * time.Hour,
			DownloadTimeout: 10 * time.Minute,
			RetryAttempts:   3,
		},
		PlayerPool: PlayerPoolConfig{
			MaxPlayers: 3,
		},
		Catalog: CatalogConfig{
			Validity: 24 * time.Hour,
		},
		Thumbnails: ThumbnailConfig{
			Directory:   filepath.Join(root, "thumbnails"),
			JPEGQuality: 85,
		},
		Ledger: LedgerConfig{
			Path:   filepath.Join(root, "clipcache.db"),
			MaxAge: 30 * 24 * time.Hour,
		},
		Saver: SaverConfig{
			Workers:             2,
			QueueSize:           64,
			AutoSaveAccessCount: 3,
			PrecacheTimeout:     10 * time.Second,
			PrecacheBytes:       2 * 1024 * 1024,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "17 3 * * *",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9307,
				Path:      "/metrics",
				Namespace: "clipcache",
			},
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "clipcache")
	}
	return filepath.Join(os.TempDir(), "clipcache")
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

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CLIPCACHE_CACHE_ROOT"); val != "" {
		c.Global.CacheRoot = val
	}
	if val := os.Getenv("CLIPCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CLIPCACHE_DEVELOPMENT"); val != "" {
		c.Global.Development = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CLIPCACHE_CHUNK_MAX_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.ChunkCache.MaxBytes = n
		}
	}
	if val := os.Getenv("CLIPCACHE_FILE_MAX_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.FileCache.MaxAge = d
		}
	}
	if val := os.Getenv("CLIPCACHE_MAX_PLAYERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.PlayerPool.MaxPlayers = n
		}
	}
	if val := os.Getenv("CLIPCACHE_CATALOG_VALIDITY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Catalog.Validity = d
		}
	}
	if val := os.Getenv("CLIPCACHE_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CLIPCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
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
	if c.ChunkCache.MaxBytes <= 0 {
		return fmt.Errorf("chunk_cache.max_bytes must be greater than 0")
	}
	if c.FileCache.MinValidBytes < 0 {
		return fmt.Errorf("file_cache.min_valid_bytes must not be negative")
	}
	if c.PlayerPool.MaxPlayers <= 0 {
		return fmt.Errorf("player_pool.max_players must be greater than 0")
	}
	if c.Catalog.Validity <= 0 {
		return fmt.Errorf("catalog.validity must be greater than 0")
	}
	if c.Thumbnails.JPEGQuality < 1 || c.Thumbnails.JPEGQuality > 100 {
		return fmt.Errorf("thumbnails.jpeg_quality must be in [1, 100]")
	}
	if c.Saver.Workers <= 0 {
		return fmt.Errorf("saver.workers must be greater than 0")
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

	return nil
}
