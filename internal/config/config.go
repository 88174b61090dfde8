package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration for rsched. Scheduling settings
// live in the store, not here.
type Config struct {
	HostID      string            `toml:"host_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Database    DatabaseConfig    `toml:"database"`
	Restic      ResticConfig      `toml:"restic"`
	Credentials CredentialsConfig `toml:"credentials"`
	Notify      NotifyConfig      `toml:"notify"`
	Server      ServerConfig      `toml:"server"`
	Update      UpdateConfig      `toml:"update"`
	Vaults      []VaultConfig     `toml:"vaults"`
}

// DatabaseConfig represents configuration for the schedule store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ResticConfig locates the restic binary and its cache.
type ResticConfig struct {
	Binary   string            `toml:"binary"`              // defaults to "restic" on PATH
	CacheDir string            `toml:"cache_dir,omitempty"` // RESTIC_CACHE_DIR; removed at the start of each full check
	Env      map[string]string `toml:"env,omitempty"`       // extra environment for every invocation
}

// CredentialsConfig locates the repository password.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CredentialsConfig struct {
	Type         string `toml:"type"`                    // "age" (default) or "env"
	IdentityPath string `toml:"identity_path,omitempty"` // only used for type=age
	PasswordPath string `toml:"password_path,omitempty"` // only used for type=age
	EnvVar       string `toml:"env_var,omitempty"`       // only used for type=env; defaults to RESTIC_PASSWORD
}

// NotifyConfig selects how notifications are delivered.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type NotifyConfig struct {
	Type       string   `toml:"type"`              // "log" (default) or "command"
	Command    []string `toml:"command,omitempty"` // argv prefix; title and body are appended
	RatePerSec float64  `toml:"rate_per_sec"`      // 0 disables rate limiting
	Burst      int      `toml:"burst,omitempty"`   // defaults to 1
}

// ServerConfig enables the HTTP control endpoint when Listen is set.
type ServerConfig struct {
	Listen string `toml:"listen,omitempty"` // e.g. "127.0.0.1:8731"
}

// UpdateConfig configures the release feed used by the update check.
type UpdateConfig struct {
	URL string `toml:"url,omitempty"` // GitHub "latest release" API URL; empty disables the check
}

// VaultConfig represents configuration for a state-export backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint selects an S3-compatible service; path-style addressing is used when set.
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"` // static credentials; default chain when empty
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Restic: ResticConfig{
			Binary:   "restic",
			CacheDir: filepath.Join(baseDir, "cache"),
		},
		Credentials: CredentialsConfig{
			Type:         "age",
			IdentityPath: filepath.Join(baseDir, "keys", "rsched.key"),
			PasswordPath: filepath.Join(baseDir, "keys", "repo-password.age"),
		},
		Notify: NotifyConfig{
			Type:       "log",
			RatePerSec: 0.2,
			Burst:      3,
		},
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	switch c.Notify.Type {
	case "", "log":
	case "command":
		if len(c.Notify.Command) == 0 {
			return fmt.Errorf("notify.command is required for notify type command")
		}
	default:
		return fmt.Errorf("unknown notify type: %s", c.Notify.Type)
	}
	if c.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec must not be negative")
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

// ReadFromFile reads and validates a Config from the specified file path.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
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

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
