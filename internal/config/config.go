package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"burstflare/internal/flare"
)

// Config represents the main configuration for burstflare.
type Config struct {
	BaseDir    string           `toml:"base_dir" env:"BURSTFLARE_HOME"`
	LogDir     string           `toml:"log_dir" env:"BURSTFLARE_LOG_DIR"`
	LogLevel   string           `toml:"log_level,omitempty" env:"BURSTFLARE_LOG_LEVEL"`
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Objects    ObjectsConfig    `toml:"objects"`
	Encryption EncryptionConfig `toml:"encryption"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Limits     LimitsConfig     `toml:"limits"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `toml:"addr" env:"BURSTFLARE_ADDR"`

	// RuntimeSecret signs runtime tokens. Every replica must share it.
	RuntimeSecret string `toml:"runtime_secret,omitempty" env:"BURSTFLARE_RUNTIME_SECRET"`

	// CallbackSecret authenticates runtime host callbacks. Empty disables them.
	CallbackSecret string `toml:"callback_secret,omitempty" env:"BURSTFLARE_CALLBACK_SECRET"`

	// PortWait bounds how long an SSH tunnel waits for the session's port.
	PortWait time.Duration `toml:"port_wait,omitempty"`
}

// StoreConfig represents configuration for the state store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type" env:"BURSTFLARE_STORE_TYPE"` // "memory", "file" or "sqlite"
	Path string `toml:"path,omitempty" env:"BURSTFLARE_STORE_PATH"`
}

// ObjectsConfig represents configuration for the blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ObjectsConfig struct {
	Type string `toml:"type" env:"BURSTFLARE_OBJECTS_TYPE"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty" env:"BURSTFLARE_OBJECTS_ROOT"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty" env:"BURSTFLARE_S3_BUCKET"`
	S3Prefix          string `toml:"s3_prefix,omitempty" env:"BURSTFLARE_S3_PREFIX"`
	S3Region          string `toml:"s3_region,omitempty" env:"BURSTFLARE_S3_REGION"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty" env:"BURSTFLARE_S3_ENDPOINT"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty" env:"BURSTFLARE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty" env:"BURSTFLARE_S3_SECRET_ACCESS_KEY"`
}

// EncryptionConfig selects at-rest encryption of blobs.
type EncryptionConfig struct {
	Type           string `toml:"type" env:"BURSTFLARE_ENCRYPTION_TYPE"` // "none" (default) or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// DispatchConfig represents configuration for the async job dispatcher.
type DispatchConfig struct {
	Type      string `toml:"type" env:"BURSTFLARE_DISPATCH_TYPE"` // "none", "local" or "amqp"
	Workers   int    `toml:"workers,omitempty"`
	QueueSize int    `toml:"queue_size,omitempty"`

	// AMQP-specific fields (only used when Type == "amqp")
	AMQPURL  string `toml:"amqp_url,omitempty" env:"BURSTFLARE_AMQP_URL"`
	Exchange string `toml:"exchange,omitempty"`
	Queue    string `toml:"queue,omitempty"`
}

// RuntimeConfig represents configuration for the session runtime host.
type RuntimeConfig struct {
	Type string `toml:"type" env:"BURSTFLARE_RUNTIME_TYPE"` // "simulated" or "docker"

	// Docker-specific fields (only used when Type == "docker")
	Network     string        `toml:"network,omitempty" env:"BURSTFLARE_DOCKER_NETWORK"`
	SSHPort     int           `toml:"ssh_port,omitempty"`
	StopTimeout time.Duration `toml:"stop_timeout,omitempty"`

	// SSHAddr is the fixed upstream the simulated runtime reports, if any.
	SSHAddr string `toml:"ssh_addr,omitempty" env:"BURSTFLARE_SSH_ADDR"`
}

// SchedulerConfig controls the periodic reconcile loop.
type SchedulerConfig struct {
	Interval  time.Duration `toml:"interval" env:"BURSTFLARE_RECONCILE_INTERVAL"`
	RedisAddr string        `toml:"redis_addr,omitempty" env:"BURSTFLARE_REDIS_ADDR"`
	LockKey   string        `toml:"lock_key,omitempty"`
	LockTTL   time.Duration `toml:"lock_ttl,omitempty"`
}

// LimitsConfig overrides engine limits. Zero values keep the defaults.
type LimitsConfig struct {
	MaxBuildAttempts int           `toml:"max_build_attempts,omitempty"`
	StuckBuildTTL    time.Duration `toml:"stuck_build_ttl,omitempty"`
	UploadGrantTTL   time.Duration `toml:"upload_grant_ttl,omitempty"`
	MaxBundleBytes   int64         `toml:"max_bundle_bytes,omitempty"`
	MaxSnapshotBytes int64         `toml:"max_snapshot_bytes,omitempty"`
	DispatchTimeout  time.Duration `toml:"dispatch_timeout,omitempty"`
}

// NewConfig creates a new Config with the provided base directory and defaults.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server:  ServerConfig{Addr: ":8787"},
		Store:   StoreConfig{Type: "sqlite", Path: filepath.Join(baseDir, "burstflare.db")},
		Objects: ObjectsConfig{Type: "filesystem", Root: filepath.Join(baseDir, "objects")},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "burstflare.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "burstflare.key"),
		},
		Dispatch:  DispatchConfig{Type: "local", Workers: 2, QueueSize: 64},
		Runtime:   RuntimeConfig{Type: "simulated", SSHPort: 22, StopTimeout: 10 * time.Second},
		Scheduler: SchedulerConfig{Interval: time.Minute, LockKey: "burstflare:reconcile", LockTTL: 30 * time.Second},
	}
}

// Settings converts the limits section into engine settings.
func (c *Config) Settings() flare.Settings {
	s := flare.DefaultSettings()
	l := c.Limits
	if l.MaxBuildAttempts > 0 {
		s.MaxBuildAttempts = l.MaxBuildAttempts
	}
	if l.StuckBuildTTL > 0 {
		s.StuckBuildTTL = l.StuckBuildTTL
	}
	if l.UploadGrantTTL > 0 {
		s.UploadGrantTTL = l.UploadGrantTTL
	}
	if l.MaxBundleBytes > 0 {
		s.MaxBundleBytes = l.MaxBundleBytes
	}
	if l.MaxSnapshotBytes > 0 {
		s.MaxSnapshotBytes = l.MaxSnapshotBytes
	}
	if l.DispatchTimeout > 0 {
		s.DispatchTimeout = l.DispatchTimeout
	}
	if c.Server.RuntimeSecret != "" {
		s.RuntimeTokenSecret = []byte(c.Server.RuntimeSecret)
	}
	return s
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies environment
// overrides on top of it.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
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

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
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
