package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the main configuration for okoa.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir" env:"OKOA_LOG_DIR"`
	LogLevel   string           `toml:"log_level,omitempty" env:"OKOA_LOG_LEVEL"` // debug, info, warn or error; default info
	Origin     OriginConfig     `toml:"origin" envPrefix:"OKOA_ORIGIN_"`
	Cache      CacheConfig      `toml:"cache" envPrefix:"OKOA_CACHE_"`
	Database   DatabaseConfig   `toml:"database" envPrefix:"OKOA_DATABASE_"`
	Remote     RemoteConfig     `toml:"remote" envPrefix:"OKOA_REMOTE_"`
	Sync       SyncConfig       `toml:"sync" envPrefix:"OKOA_SYNC_"`
	Encryption EncryptionConfig `toml:"encryption" envPrefix:"OKOA_ENCRYPTION_"`
	Server     ServerConfig     `toml:"server" envPrefix:"OKOA_SERVER_"`
}

// OriginConfig describes the website the content cache fronts.
type OriginConfig struct {
	URL          string   `toml:"url" env:"URL"`                                   // scheme and host, e.g. https://microokoa.example
	Timeout      Duration `toml:"timeout" env:"TIMEOUT"`                           // per-fetch timeout
	MaxBodyBytes int64    `toml:"max_body_bytes,omitempty" env:"MAX_BODY_BYTES"` // responses larger than this are refused
}

// CacheConfig describes the cached application shell.
type CacheConfig struct {
	Generation      string   `toml:"generation" env:"GENERATION"` // version tag of the current deployment
	Manifest        []string `toml:"manifest" env:"MANIFEST"`     // paths primed on install
	RootPath        string   `toml:"root_path" env:"ROOT_PATH"`   // served to offline navigations
	RefreshPaths    []string `toml:"refresh_paths,omitempty" env:"REFRESH_PATHS"`
	RefreshInterval Duration `toml:"refresh_interval,omitempty" env:"REFRESH_INTERVAL"` // 0 disables periodic refresh
}

// DatabaseConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" env:"TYPE"`                          // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty" env:"DATA_DIR"` // only used for type=sqlite
}

// RemoteConfig represents configuration for the endpoint that receives outbox writes.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type" env:"TYPE"` // "http", "s3", "filesystem" or "memory"
	Name string `toml:"name" env:"NAME"`

	// HTTP-specific fields (only used when Type == "http")
	URL       string `toml:"url,omitempty" env:"URL"`
	JWTSecret string `toml:"jwt_secret,omitempty" env:"JWT_SECRET"` // signs a bearer token when set
	JWTIssuer string `toml:"jwt_issuer,omitempty" env:"JWT_ISSUER"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty" env:"S3_BUCKET"`
	S3Prefix string `toml:"s3_prefix,omitempty" env:"S3_PREFIX"`
	S3Region string `toml:"s3_region,omitempty" env:"S3_REGION"`
	// Static credentials and a custom endpoint, for S3-compatible stores.
	// When unset the default AWS credential chain is used.
	S3Endpoint        string `toml:"s3_endpoint,omitempty" env:"S3_ENDPOINT"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty" env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty" env:"S3_SECRET_ACCESS_KEY"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	SpoolDir string `toml:"spool_dir,omitempty" env:"SPOOL_DIR"`
}

// SyncConfig controls when and how the outbox is flushed.
type SyncConfig struct {
	Interval      Duration `toml:"interval" env:"INTERVAL"`             // periodic flush; 0 disables
	ProbeInterval Duration `toml:"probe_interval" env:"PROBE_INTERVAL"` // connectivity polling; 0 disables
	SubmitTimeout Duration `toml:"submit_timeout" env:"SUBMIT_TIMEOUT"`
	LockPath      string   `toml:"lock_path" env:"LOCK_PATH"` // cross-process flush lock
}

// EncryptionConfig holds paths to the age key pair used to seal outbox payloads.
type EncryptionConfig struct {
	Type           string `toml:"type" env:"TYPE"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path" env:"PUBLIC_KEY_PATH"`
	PrivateKeyPath string `toml:"private_key_path" env:"PRIVATE_KEY_PATH"`
}

// ServerConfig configures `okoa serve`.
type ServerConfig struct {
	Addr           string  `toml:"addr" env:"ADDR"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" env:"RATE_LIMIT_RPS"` // per client, on the outbox API; 0 disables
	RateLimitBurst int     `toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// Defaults applied by NewConfig and ApplyDefaults.
const (
	DefaultRootPath       = "/"
	DefaultOriginTimeout  = 15 * time.Second
	DefaultMaxBodyBytes   = 32 << 20
	DefaultSyncInterval   = 5 * time.Minute
	DefaultProbeInterval  = 30 * time.Second
	DefaultSubmitTimeout  = 30 * time.Second
	DefaultServerAddr     = "127.0.0.1:8340"
	DefaultRateLimitRPS   = 5
	DefaultRateLimitBurst = 10
)

// NewConfig creates a new Config rooted at baseDir with default paths.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Remote: RemoteConfig{
			Type:     "filesystem",
			Name:     "spool",
			SpoolDir: filepath.Join(baseDir, "spool"),
		},
		Sync: SyncConfig{
			LockPath: filepath.Join(baseDir, "flush.lock"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "okoa.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "okoa.key"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Origin.Timeout == 0 {
		c.Origin.Timeout = Duration(DefaultOriginTimeout)
	}
	if c.Origin.MaxBodyBytes == 0 {
		c.Origin.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Cache.RootPath == "" {
		c.Cache.RootPath = DefaultRootPath
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(DefaultSyncInterval)
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.Sync.SubmitTimeout == 0 {
		c.Sync.SubmitTimeout = Duration(DefaultSubmitTimeout)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = DefaultRateLimitBurst
	}
}

// Validate reports configuration errors that would prevent the cache or
// outbox from working.
func (c *Config) Validate() error {
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	if c.Cache.Generation == "" {
		return fmt.Errorf("cache.generation is required")
	}
	if c.Origin.MaxBodyBytes < 0 {
		return fmt.Errorf("origin.max_body_bytes must not be negative")
	}
	if c.Sync.SubmitTimeout < 0 {
		return fmt.Errorf("sync.submit_timeout must not be negative")
	}
	if c.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any OKOA_* environment variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Load reads the config file at path, applies environment overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
