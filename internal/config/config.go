// Package config loads and validates rbhd's static configuration tree
// via viper, following the teacher's internal/config/config.go shape:
// one Config struct composed of mapstructure-tagged nested structs,
// loaded from YAML plus environment overrides, then validated.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full static configuration of an rbhd daemon.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Changelog  ChangelogConfig  `mapstructure:"changelog"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Policies   []PolicyConfig   `mapstructure:"policies"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
	Timezone    string `mapstructure:"timezone"`
}

// LogConfig holds the logging settings; cmd/rbhd copies them field by
// field into a logging.Config before calling logging.New.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig controls the internal/statusapi admin HTTP/websocket surface.
type ServerConfig struct {
	Addr                    string        `mapstructure:"addr"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StoreBackend names which internal/store implementation to open.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendSQLite   StoreBackend = "sqlite"
	StoreBackendPostgres StoreBackend = "postgres"
)

// StoreConfig selects and configures the DB collaborator (spec 6.1).
type StoreConfig struct {
	Backend    StoreBackend `mapstructure:"backend"`
	SQLitePath string       `mapstructure:"sqlite_path"`
	PostgresDSN string      `mapstructure:"postgres_dsn"`
}

// FilesystemConfig describes the tree rbhd scans.
type FilesystemConfig struct {
	FSName    string `mapstructure:"fsname"`
	Root      string `mapstructure:"root"`
	MountType string `mapstructure:"mount_type"` // "posix" or "lustre"
}

// ScanConfig controls the entry-processor pipeline's worker pool and
// per-pass iteration order (spec section 4/6.1's lru_sort_attr).
type ScanConfig struct {
	NbThreads   int    `mapstructure:"nb_threads"`
	QueueSize   int    `mapstructure:"queue_size"`
	LRUSortAttr string `mapstructure:"lru_sort_attr"`
}

// ChangelogConfig selects the changelog producer and its coalescing window.
type ChangelogConfig struct {
	Source         string `mapstructure:"source"` // "fsnotify" or "lustre_changelog"
	CoalesceWindow int    `mapstructure:"coalesce_window"`
}

// RedisConfig backs internal/sched/distlock's Redis-based scheduler stage.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig tunes the distributed-lock scheduler stage.
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// PolicyConfig is a policy run engine's static configuration: limits
// and whether it participates in the suspend-on-error threshold (spec
// section 5's Limits, duplicated here as the on-disk shape Load
// parses into internal/policyrun.Limits).
type PolicyConfig struct {
	Name            string  `mapstructure:"name"`
	TargetCount     int64   `mapstructure:"target_count"`
	TargetVolume    int64   `mapstructure:"target_volume"`
	SuspendErrorMin int     `mapstructure:"suspend_error_min"`
	SuspendErrorPct float64 `mapstructure:"suspend_error_pct"`
	MaxEntries      int64   `mapstructure:"max_entries"`

	// Action is the single rule this policy fires for every matching,
	// non-whitelisted candidate (spec 6.3's ACTION_FUNCTION/ACTION_COMMAND).
	Action PolicyActionConfig `mapstructure:"action"`

	// Condition is this policy's single rule-tree node: the minimal
	// age/fileclass predicate its one rule is matched against (spec 4.7
	// step 5's rule-tree match and fileclass capture).
	Condition PolicyConditionConfig `mapstructure:"condition"`

	// Triggers are the conditions that start a run of this policy
	// (spec 4.8); parsed here and handed to internal/trigger at
	// startup, which owns their validation and live-reload semantics.
	Triggers []TriggerConfig `mapstructure:"triggers"`
}

// PolicyConditionConfig narrows which candidates a policy's rule
// matches: entries younger than MinAge, or not in FileClasses when
// set, don't match.
type PolicyConditionConfig struct {
	MinAge      time.Duration `mapstructure:"min_age"`
	FileClasses []string      `mapstructure:"fileclasses"`
}

// TriggerConfig is the on-disk shape of one internal/trigger.Trigger.
type TriggerConfig struct {
	Kind          string        `mapstructure:"kind"` // periodic, scheduled, global_usage, user_usage, group_usage, ost_usage, pool_usage
	Interval      time.Duration `mapstructure:"interval"`
	Cron          string        `mapstructure:"cron"`
	HighThreshold float64       `mapstructure:"high_threshold"`
	LowThreshold  float64       `mapstructure:"low_threshold"`
	Target        string        `mapstructure:"target"`
}

// PolicyActionConfig declares how a policy's matched entries are acted
// on: either a registered in-process function (by name) or an external
// command template (argv, with {placeholder} substitution).
type PolicyActionConfig struct {
	Function string   `mapstructure:"function"`
	Command  []string `mapstructure:"command"`

	// Params are this policy's default action parameters (spec 6.3 step
	// 7's first merge layer), substituted against each matched entry's
	// placeholders before the action runs.
	Params map[string]string `mapstructure:"params"`
}

// Load reads configuration from configPath (if non-empty) merged with
// environment variable overrides (RBHD_SECTION_FIELD, per viper's dot-
// to-underscore replacer), then validates the result.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("rbhd")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "rbhd")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.timezone", "UTC")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("server.addr", ":8081")
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.graceful_shutdown_timeout", 15*time.Second)

	viper.SetDefault("store.backend", string(StoreBackendSQLite))
	viper.SetDefault("store.sqlite_path", "rbhd.db")

	viper.SetDefault("filesystem.mount_type", "posix")

	viper.SetDefault("scan.nb_threads", 4)
	viper.SetDefault("scan.queue_size", 1024)

	viper.SetDefault("changelog.source", "fsnotify")
	viper.SetDefault("changelog.coalesce_window", 64)

	viper.SetDefault("redis.addr", "127.0.0.1:6379")

	viper.SetDefault("lock.ttl", 30*time.Second)
	viper.SetDefault("lock.acquire_timeout", 2*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9102)
}

// Validate checks invariants Load's caller relies on: an unparseable
// or incoherent Config should fail fast at startup, not at first use.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: store.sqlite_path is required for backend %q", c.Store.Backend)
		}
	case StoreBackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: store.postgres_dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}

	if c.Filesystem.Root == "" {
		return fmt.Errorf("config: filesystem.root is required")
	}
	if c.Filesystem.MountType != "posix" && c.Filesystem.MountType != "lustre" {
		return fmt.Errorf("config: filesystem.mount_type must be posix or lustre, got %q", c.Filesystem.MountType)
	}

	if c.Scan.NbThreads <= 0 {
		return fmt.Errorf("config: scan.nb_threads must be positive")
	}
	if c.Scan.QueueSize <= 0 {
		return fmt.Errorf("config: scan.queue_size must be positive")
	}

	if c.Changelog.Source != "fsnotify" && c.Changelog.Source != "lustre_changelog" {
		return fmt.Errorf("config: changelog.source must be fsnotify or lustre_changelog, got %q", c.Changelog.Source)
	}

	seen := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("config: policy entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate policy name %q", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}
