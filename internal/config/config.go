// Package config loads the core configuration from a YAML file and HAAQ_
// environment variables.
package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omarels/haaq/backend/internal/compact"
	"github.com/omarels/haaq/backend/internal/export"
	backupscheduler "github.com/omarels/haaq/backend/internal/export/scheduler"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/quota"
	"github.com/omarels/haaq/backend/internal/services"
	syncpkg "github.com/omarels/haaq/backend/internal/sync"
	"github.com/omarels/haaq/backend/internal/sync/conflict"
	"github.com/omarels/haaq/backend/internal/sync/s3"
	"github.com/omarels/haaq/backend/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. HAAQ_SYNC_BIN_API_KEY.
const EnvPrefix = "HAAQ"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Sync providers.
const (
	ProviderNone = "none"
	ProviderBin  = "bin"
	ProviderS3   = "s3"
)

// StorageConfig selects the key/value medium.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	QuotaBytes int64  `mapstructure:"quota_bytes"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// QuotaConfig configures capacity probing.
type QuotaConfig struct {
	InitialChunk     int           `mapstructure:"initial_chunk"`
	MinChunk         int           `mapstructure:"min_chunk"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	FallbackCapacity int64         `mapstructure:"fallback_capacity"`
	MaxProbeBytes    int64         `mapstructure:"max_probe_bytes"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// CompactionConfig configures the cleanup tiers.
type CompactionConfig struct {
	DisposableKeys     []string       `mapstructure:"disposable_keys"`
	EmergencyKeys      []string       `mapstructure:"emergency_keys"`
	EmergencyPrefixes  []string       `mapstructure:"emergency_prefixes"`
	EssentialKeys      []string       `mapstructure:"essential_keys"`
	Rules              []compact.Rule `mapstructure:"rules"`
	MigrationThreshold float64        `mapstructure:"migration_threshold"`
}

// SyncConfig configures the remote document store and the drain schedule.
type SyncConfig struct {
	Provider    string                    `mapstructure:"provider"`
	Online      bool                      `mapstructure:"online"`
	Collections []string                  `mapstructure:"collections"`
	Strategy    string                    `mapstructure:"strategy"`
	Bin         syncpkg.BinClientConfig   `mapstructure:"bin"`
	S3          s3.Config                 `mapstructure:"s3"`
	Scheduler   scheduler.SchedulerConfig `mapstructure:"scheduler"`
}

// Config is the complete core configuration.
type Config struct {
	Storage    StorageConfig                   `mapstructure:"storage"`
	Log        LogConfig                       `mapstructure:"log"`
	Quota      QuotaConfig                     `mapstructure:"quota"`
	Compaction CompactionConfig                `mapstructure:"compaction"`
	Sync       SyncConfig                      `mapstructure:"sync"`
	Backup     backupscheduler.SchedulerConfig `mapstructure:"backup"`
	Monitor    services.MonitorConfig          `mapstructure:"monitor"`
}

// SetDefaults registers every key with its default so file values and
// environment overrides are both picked up on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.path", "~/.haaq/storage.db")
	v.SetDefault("storage.quota_bytes", 5*1024*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	q := quota.DefaultEstimatorConfig()
	v.SetDefault("quota.initial_chunk", q.InitialChunk)
	v.SetDefault("quota.min_chunk", q.MinChunk)
	v.SetDefault("quota.max_iterations", q.MaxIterations)
	v.SetDefault("quota.fallback_capacity", q.FallbackCapacity)
	v.SetDefault("quota.max_probe_bytes", q.MaxProbeBytes)
	v.SetDefault("quota.cache_ttl", q.CacheTTL.String())

	c := compact.DefaultCompactorConfig()
	v.SetDefault("compaction.disposable_keys", c.DisposableKeys)
	v.SetDefault("compaction.emergency_keys", c.EmergencyKeys)
	v.SetDefault("compaction.emergency_prefixes", c.EmergencyPrefixes)
	v.SetDefault("compaction.essential_keys", c.EssentialKeys)
	v.SetDefault("compaction.rules", rulesToMaps(c.Rules))
	v.SetDefault("compaction.migration_threshold", c.MigrationThreshold)

	v.SetDefault("sync.provider", ProviderNone)
	v.SetDefault("sync.online", true)
	v.SetDefault("sync.collections", syncpkg.DefaultCollections)
	v.SetDefault("sync.strategy", string(conflict.ResolutionStrategyLastWriteWins))

	bin := syncpkg.DefaultBinClientConfig()
	v.SetDefault("sync.bin.base_url", bin.BaseURL)
	v.SetDefault("sync.bin.api_key", "")
	v.SetDefault("sync.bin.private", bin.Private)
	v.SetDefault("sync.bin.timeout", bin.Timeout.String())

	v.SetDefault("sync.s3.bucket", "")
	v.SetDefault("sync.s3.region", "us-east-1")
	v.SetDefault("sync.s3.endpoint", "")
	v.SetDefault("sync.s3.access_key_id", "")
	v.SetDefault("sync.s3.secret_access_key", "")
	v.SetDefault("sync.s3.prefix", "haaq/")
	v.SetDefault("sync.s3.use_path_style", false)
	v.SetDefault("sync.s3.compress", true)

	s := scheduler.DefaultSchedulerConfig()
	v.SetDefault("sync.scheduler.debounce_window", s.DebounceWindow.String())
	v.SetDefault("sync.scheduler.drain_interval", s.DrainInterval.String())
	v.SetDefault("sync.scheduler.drain_timeout", s.DrainTimeout.String())

	b := backupscheduler.DefaultSchedulerConfig()
	v.SetDefault("backup.interval", string(b.Interval))
	v.SetDefault("backup.retention_count", b.RetentionCount)
	v.SetDefault("backup.dir", "~/.haaq/backups")
	v.SetDefault("backup.password", "")

	m := services.DefaultMonitorConfig()
	v.SetDefault("monitor.interval", m.Interval.String())
	v.SetDefault("monitor.warning_percent", m.WarningPercent)
	v.SetDefault("monitor.emergency_percent", m.EmergencyPercent)
}

func rulesToMaps(rules []compact.Rule) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		out = append(out, map[string]interface{}{
			"key":         r.Key,
			"max_records": r.MaxRecords,
			"sort_by":     r.SortBy,
			"keep_fields": r.KeepFields,
		})
	}
	return out
}

// Load reads configuration. An empty path looks for haaq.yaml in the working
// directory and ~/.haaq; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("haaq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.haaq")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Backup.Dir = expandHome(cfg.Backup.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and thresholds.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Sync.Provider {
	case ProviderNone:
	case ProviderBin:
		if c.Sync.Bin.APIKey == "" {
			return fmt.Errorf("sync.bin.api_key is required for the bin provider")
		}
	case ProviderS3:
		if c.Sync.S3.Bucket == "" {
			return fmt.Errorf("sync.s3.bucket is required for the s3 provider")
		}
	default:
		return fmt.Errorf("unknown sync provider %q", c.Sync.Provider)
	}

	switch conflict.ResolutionStrategy(c.Sync.Strategy) {
	case conflict.ResolutionStrategyLastWriteWins, conflict.ResolutionStrategyManual:
	default:
		return fmt.Errorf("unknown sync strategy %q", c.Sync.Strategy)
	}

	if c.Monitor.WarningPercent > c.Monitor.EmergencyPercent {
		return fmt.Errorf("monitor.warning_percent (%.0f) exceeds monitor.emergency_percent (%.0f)",
			c.Monitor.WarningPercent, c.Monitor.EmergencyPercent)
	}
	return nil
}

// OpenStore opens the configured key/value medium. The returned close
// function is never nil.
func (c *Config) OpenStore() (kv.Store, func() error, error) {
	if c.Storage.Backend == BackendMemory {
		return kv.NewMemoryStore(c.Storage.QuotaBytes), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(c.Storage.Path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	store, err := kv.OpenSQLite(c.Storage.Path, c.Storage.QuotaBytes)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Remote builds the configured document store, or nil for ProviderNone.
func (c *Config) Remote(ctx context.Context) (syncpkg.DocumentStore, error) {
	switch c.Sync.Provider {
	case ProviderBin:
		bin := c.Sync.Bin
		return syncpkg.NewBinClient(&bin), nil
	case ProviderS3:
		store, err := s3.NewStore(ctx, c.Sync.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

// ManagerConfig converts the configuration into component configs.
func (c *Config) ManagerConfig() *services.ManagerConfig {
	sched := c.Sync.Scheduler
	monitor := c.Monitor
	return &services.ManagerConfig{
		Estimator: &quota.EstimatorConfig{
			InitialChunk:     c.Quota.InitialChunk,
			MinChunk:         c.Quota.MinChunk,
			MaxIterations:    c.Quota.MaxIterations,
			FallbackCapacity: c.Quota.FallbackCapacity,
			MaxProbeBytes:    c.Quota.MaxProbeBytes,
			CacheTTL:         c.Quota.CacheTTL,
		},
		Compactor: &compact.CompactorConfig{
			DisposableKeys:     c.Compaction.DisposableKeys,
			EmergencyKeys:      c.Compaction.EmergencyKeys,
			EmergencyPrefixes:  c.Compaction.EmergencyPrefixes,
			EssentialKeys:      c.Compaction.EssentialKeys,
			Rules:              c.Compaction.Rules,
			MigrationThreshold: c.Compaction.MigrationThreshold,
		},
		Syncer:       &syncpkg.SyncerConfig{Collections: c.Sync.Collections},
		Reconciler:   &syncpkg.ReconcilerConfig{Strategy: conflict.ResolutionStrategy(c.Sync.Strategy)},
		Scheduler:    &sched,
		Backup:       &export.ServiceConfig{Collections: c.Sync.Collections},
		Monitor:      &monitor,
		StartOffline: !c.Sync.Online,
	}
}

// LogFileConfig returns the rotating log file settings.
func (c *Config) LogFileConfig() logging.FileConfig {
	return logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
