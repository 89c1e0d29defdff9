package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted in storage.backend.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// Config represents the complete kbindex configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Lock    LockConfig    `yaml:"lock" json:"lock"`
	Index   IndexConfig   `yaml:"index" json:"index"`
	Migrate MigrateConfig `yaml:"migrate" json:"migrate"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	// Backend is one of local, memory, sqlite, badger, s3, gcs.
	Backend string `yaml:"backend" json:"backend"`

	// Root is the knowledge base directory (local), database file (sqlite)
	// or database directory (badger). Relative paths resolve against the
	// directory Load was called with.
	Root string `yaml:"root" json:"root"`

	S3  S3Config  `yaml:"s3" json:"s3"`
	GCS GCSConfig `yaml:"gcs" json:"gcs"`

	// Remote backends retry transient failures and trip a circuit breaker.
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay" json:"retry_initial_delay"`
	BreakerMaxFailures  int           `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" json:"breaker_reset_timeout"`
}

// S3Config configures the S3 backend. Leases live in a DynamoDB table
// because S3 has no compare-and-swap on object creation.
type S3Config struct {
	Bucket       string `yaml:"bucket" json:"bucket"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	Region       string `yaml:"region" json:"region"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
	LeaseTable   string `yaml:"lease_table" json:"lease_table"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// Endpoint points at an emulator; requests are then unauthenticated.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// LockConfig configures leases.
type LockConfig struct {
	// LeaseTTL bounds how long a crashed holder can block a resource.
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	// PollInterval is how often a waiting writer retries acquisition.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// AcquireTimeout is the default wait before failing with LockTimeout.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// HolderID identifies this writer in lease records and provenance logs.
	// Empty means "<hostname>-<pid>".
	HolderID string `yaml:"holder_id" json:"holder_id"`
}

// KeywordRange is one keyword shard: keywords whose first letter falls in
// [Start, End] go to the shard called Name.
type KeywordRange struct {
	Name  string `yaml:"name" json:"name"`
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// IndexConfig configures index layouts and the bloom filter.
type IndexConfig struct {
	// DefaultLayout is used to initialise an empty index: v1, v2 or v3.
	DefaultLayout  string         `yaml:"default_layout" json:"default_layout"`
	KeywordRanges  []KeywordRange `yaml:"keyword_ranges" json:"keyword_ranges"`
	TopicShardsV2  int            `yaml:"topic_shards_v2" json:"topic_shards_v2"`
	TopicShardsV3  int            `yaml:"topic_shards_v3" json:"topic_shards_v3"`
	BloomFPRate    float64        `yaml:"bloom_fp_rate" json:"bloom_fp_rate"`
	BloomHashCount int            `yaml:"bloom_hash_count" json:"bloom_hash_count"`
	CacheSize      int            `yaml:"cache_size" json:"cache_size"`
}

// MigrateConfig configures index rebuilds.
type MigrateConfig struct {
	Workers int  `yaml:"workers" json:"workers"`
	Backup  bool `yaml:"backup" json:"backup"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFile   string `yaml:"log_file" json:"log_file"`
}

// MetricsConfig configures the Prometheus endpoint started by serve.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// DefaultKeywordRanges returns the five alphabet ranges used by v2 and v3.
func DefaultKeywordRanges() []KeywordRange {
	return []KeywordRange{
		{Name: "a-e", Start: "a", End: "e"},
		{Name: "f-j", Start: "f", End: "j"},
		{Name: "k-o", Start: "k", End: "o"},
		{Name: "p-t", Start: "p", End: "t"},
		{Name: "u-z", Start: "u", End: "z"},
	}
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Backend:             BackendLocal,
			Root:                "kb",
			MaxRetries:          3,
			RetryInitialDelay:   100 * time.Millisecond,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Lock: LockConfig{
			LeaseTTL:       30 * time.Second,
			PollInterval:   500 * time.Millisecond,
			AcquireTimeout: 10 * time.Second,
		},
		Index: IndexConfig{
			DefaultLayout:  "v2",
			KeywordRanges:  DefaultKeywordRanges(),
			TopicShardsV2:  10,
			TopicShardsV3:  100,
			BloomFPRate:    0.01,
			BloomHashCount: 7,
			CacheSize:      256,
		},
		Migrate: MigrateConfig{
			Workers: runtime.NumCPU(),
			Backup:  true,
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/kbindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/kbindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kbindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "kbindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "kbindex", "config.yaml")
}

// ProjectConfigPath returns the project config path inside dir.
func ProjectConfigPath(dir string) string {
	return filepath.Join(dir, ".kbindex.yaml")
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	var cfg Config
	if err := readYAML(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return &cfg, nil
}

// Load loads configuration for the knowledge base rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/kbindex/config.yaml)
//  3. Project config (.kbindex.yaml in dir)
//  4. Environment variables (KBINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, err
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if cfg.Storage.Root != "" && !filepath.IsAbs(cfg.Storage.Root) {
		cfg.Storage.Root = filepath.Join(dir, cfg.Storage.Root)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromDir loads .kbindex.yaml (or .kbindex.yml) from dir if present.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{".kbindex.yaml", ".kbindex.yml"} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		var parsed Config
		if err := readYAML(path, &parsed); err != nil {
			return err
		}
		c.mergeWith(&parsed)
		return nil
	}
	return nil
}

func readYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Storage
	s, o := &c.Storage, other.Storage
	setString(&s.Backend, o.Backend)
	setString(&s.Root, o.Root)
	setString(&s.S3.Bucket, o.S3.Bucket)
	setString(&s.S3.Prefix, o.S3.Prefix)
	setString(&s.S3.Region, o.S3.Region)
	setString(&s.S3.Endpoint, o.S3.Endpoint)
	setString(&s.S3.LeaseTable, o.S3.LeaseTable)
	if o.S3.UsePathStyle {
		s.S3.UsePathStyle = true
	}
	setString(&s.GCS.Bucket, o.GCS.Bucket)
	setString(&s.GCS.Prefix, o.GCS.Prefix)
	setString(&s.GCS.CredentialsFile, o.GCS.CredentialsFile)
	setString(&s.GCS.Endpoint, o.GCS.Endpoint)
	setInt(&s.MaxRetries, o.MaxRetries)
	setDuration(&s.RetryInitialDelay, o.RetryInitialDelay)
	setInt(&s.BreakerMaxFailures, o.BreakerMaxFailures)
	setDuration(&s.BreakerResetTimeout, o.BreakerResetTimeout)

	// Lock
	setDuration(&c.Lock.LeaseTTL, other.Lock.LeaseTTL)
	setDuration(&c.Lock.PollInterval, other.Lock.PollInterval)
	setDuration(&c.Lock.AcquireTimeout, other.Lock.AcquireTimeout)
	setString(&c.Lock.HolderID, other.Lock.HolderID)

	// Index
	setString(&c.Index.DefaultLayout, other.Index.DefaultLayout)
	if len(other.Index.KeywordRanges) > 0 {
		c.Index.KeywordRanges = other.Index.KeywordRanges
	}
	setInt(&c.Index.TopicShardsV2, other.Index.TopicShardsV2)
	setInt(&c.Index.TopicShardsV3, other.Index.TopicShardsV3)
	if other.Index.BloomFPRate != 0 {
		c.Index.BloomFPRate = other.Index.BloomFPRate
	}
	setInt(&c.Index.BloomHashCount, other.Index.BloomHashCount)
	setInt(&c.Index.CacheSize, other.Index.CacheSize)

	// Migrate: backup is a bool, so only an explicit true is visible here;
	// disabling it goes through KBINDEX_MIGRATE_BACKUP.
	setInt(&c.Migrate.Workers, other.Migrate.Workers)
	if other.Migrate.Backup {
		c.Migrate.Backup = true
	}

	// Server
	setString(&c.Server.Transport, other.Server.Transport)
	setString(&c.Server.LogLevel, other.Server.LogLevel)
	setString(&c.Server.LogFile, other.Server.LogFile)

	// Metrics
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	setString(&c.Metrics.Addr, other.Metrics.Addr)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies KBINDEX_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KBINDEX_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("KBINDEX_STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("KBINDEX_S3_BUCKET"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("KBINDEX_S3_LEASE_TABLE"); v != "" {
		c.Storage.S3.LeaseTable = v
	}
	if v := os.Getenv("KBINDEX_GCS_BUCKET"); v != "" {
		c.Storage.GCS.Bucket = v
	}
	if v := os.Getenv("KBINDEX_HOLDER_ID"); v != "" {
		c.Lock.HolderID = v
	}
	if v := os.Getenv("KBINDEX_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Lock.LeaseTTL = d
		}
	}
	if v := os.Getenv("KBINDEX_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Lock.AcquireTimeout = d
		}
	}
	if v := os.Getenv("KBINDEX_DEFAULT_LAYOUT"); v != "" {
		c.Index.DefaultLayout = strings.ToLower(v)
	}
	if v := os.Getenv("KBINDEX_MIGRATE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Migrate.Workers = n
		}
	}
	if v := os.Getenv("KBINDEX_MIGRATE_BACKUP"); v != "" {
		c.Migrate.Backup = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("KBINDEX_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("KBINDEX_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal, BackendSQLite, BackendBadger:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the %s backend", c.Storage.Backend)
		}
	case BackendMemory:
	case BackendS3:
		if c.Storage.S3.Bucket == "" || c.Storage.S3.LeaseTable == "" {
			return fmt.Errorf("storage.s3.bucket and storage.s3.lease_table are required for the s3 backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, memory, sqlite, badger, s3, gcs, got %q", c.Storage.Backend)
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries must be non-negative, got %d", c.Storage.MaxRetries)
	}

	if c.Lock.LeaseTTL <= 0 {
		return fmt.Errorf("lock.lease_ttl must be positive, got %s", c.Lock.LeaseTTL)
	}
	if c.Lock.PollInterval <= 0 || c.Lock.PollInterval >= c.Lock.LeaseTTL {
		return fmt.Errorf("lock.poll_interval must be positive and shorter than lock.lease_ttl, got %s", c.Lock.PollInterval)
	}
	if c.Lock.AcquireTimeout <= 0 {
		return fmt.Errorf("lock.acquire_timeout must be positive, got %s", c.Lock.AcquireTimeout)
	}

	switch c.Index.DefaultLayout {
	case "v1", "v2", "v3":
	default:
		return fmt.Errorf("index.default_layout must be v1, v2 or v3, got %q", c.Index.DefaultLayout)
	}
	if err := validateRanges(c.Index.KeywordRanges); err != nil {
		return err
	}
	if c.Index.TopicShardsV2 <= 0 || c.Index.TopicShardsV3 <= 0 {
		return fmt.Errorf("index topic shard counts must be positive")
	}
	if c.Index.BloomFPRate <= 0 || c.Index.BloomFPRate >= 1 {
		return fmt.Errorf("index.bloom_fp_rate must be between 0 and 1 exclusive, got %f", c.Index.BloomFPRate)
	}
	if c.Index.BloomHashCount < 1 || c.Index.BloomHashCount > 16 {
		return fmt.Errorf("index.bloom_hash_count must be between 1 and 16, got %d", c.Index.BloomHashCount)
	}
	if c.Index.CacheSize < 0 {
		return fmt.Errorf("index.cache_size must be non-negative, got %d", c.Index.CacheSize)
	}

	if c.Migrate.Workers <= 0 {
		return fmt.Errorf("migrate.workers must be positive, got %d", c.Migrate.Workers)
	}

	if strings.ToLower(c.Server.Transport) != "stdio" {
		return fmt.Errorf("server.transport must be 'stdio', got %s", c.Server.Transport)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

func validateRanges(ranges []KeywordRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("index.keyword_ranges must not be empty")
	}
	seen := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		if r.Name == "" || strings.ContainsAny(r.Name, `/\`) {
			return fmt.Errorf("index.keyword_ranges: invalid shard name %q", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("index.keyword_ranges: duplicate shard name %q", r.Name)
		}
		seen[r.Name] = true
		if len(r.Start) != 1 || len(r.End) != 1 || r.Start > r.End {
			return fmt.Errorf("index.keyword_ranges: range %q must have single-character start <= end", r.Name)
		}
	}
	return nil
}

// ResolveHolderID returns the configured holder id or "<hostname>-<pid>".
func (c *Config) ResolveHolderID() string {
	if c.Lock.HolderID != "" {
		return c.Lock.HolderID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "kbindex"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
