package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Mode selects what the service does with the bucket.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeBackup   Mode = "backup"
	ModeSync     Mode = "sync"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDisabled, ModeBackup, ModeSync:
		return true
	}

	return false
}

const (
	// MinSyncInterval is the floor for the periodic sync check. Lower
	// configured values are clamped up to it.
	MinSyncInterval = 15 * time.Second

	// fileEndpointScheme selects the directory-backed remote store.
	fileEndpointScheme = "file://"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	Mode Mode `env:"SYNC_MODE" envDefault:"disabled"`

	// SyncIntervalSeconds is how often the sync-interval timer checks for
	// remote changes.
	SyncIntervalSeconds int `env:"SYNC_INTERVAL" envDefault:"60"`

	// Bucket connection. Endpoint may be an S3-compatible URL or
	// file://<dir> for a directory-backed bucket.
	BucketName      string `env:"BUCKET_NAME"`
	Region          string `env:"AWS_REGION"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"S3_ENDPOINT"`

	// EncryptionKey is the user secret for payload encryption. Optional:
	// buckets written without a secret hold legacy plaintext.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// StatePath is the bbolt database path. Empty means ~/.chatsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// RuntimeFile is an optional YAML file whose mode and interval
	// override the environment and are watched for changes.
	RuntimeFile string `env:"RUNTIME_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`

	// RemoteRateLimit caps bucket requests per second. Zero disables it.
	RemoteRateLimit float64 `env:"REMOTE_RATE_LIMIT" envDefault:"0"`

	// ExcludedSettings lists setting keys that are never synced.
	ExcludedSettings []string `env:"EXCLUDED_SETTINGS" envSeparator:","`

	BackupRetentionDays int `env:"BACKUP_RETENTION_DAYS" envDefault:"30"`

	// MCP control server
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.RuntimeFile != "" {
		rt, err := LoadRuntime(cfg.RuntimeFile)
		if err != nil {
			return nil, err
		}

		cfg.ApplyRuntime(rt)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Mode.Valid() {
		return &cserrors.ConfigurationError{
			Field: "SYNC_MODE",
			Err:   fmt.Errorf("must be one of disabled, backup, sync; got %q", c.Mode),
		}
	}

	if c.BackupRetentionDays < 1 {
		return &cserrors.ConfigurationError{
			Field: "BACKUP_RETENTION_DAYS",
			Err:   fmt.Errorf("must be at least 1"),
		}
	}

	if c.RemoteRateLimit < 0 {
		return &cserrors.ConfigurationError{
			Field: "REMOTE_RATE_LIMIT",
			Err:   fmt.Errorf("must not be negative"),
		}
	}

	if c.Mode != ModeDisabled {
		if err := c.ValidateBucket(); err != nil {
			return err
		}
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return &cserrors.ConfigurationError{
			Field: "MCP_API_KEYS",
			Err:   fmt.Errorf("required when MCP is enabled"),
		}
	}

	return nil
}

// ValidateBucket checks that enough connection details are present to
// reach the bucket. A file:// endpoint needs no credentials.
func (c *Config) ValidateBucket() error {
	if c.IsFileEndpoint() {
		if c.FileEndpointDir() == "" {
			return &cserrors.ConfigurationError{Field: "S3_ENDPOINT", Err: fmt.Errorf("file:// endpoint needs a directory")}
		}

		return nil
	}

	required := []struct {
		name, value string
	}{
		{"BUCKET_NAME", c.BucketName},
		{"AWS_REGION", c.Region},
		{"AWS_ACCESS_KEY_ID", c.AccessKeyID},
		{"AWS_SECRET_ACCESS_KEY", c.SecretAccessKey},
	}

	for _, r := range required {
		if r.value == "" {
			return &cserrors.ConfigurationError{
				Field: r.name,
				Err:   fmt.Errorf("required when sync mode is %s", c.Mode),
			}
		}
	}

	return nil
}

// SyncInterval returns the configured interval, clamped to MinSyncInterval.
func (c *Config) SyncInterval() time.Duration {
	d := time.Duration(c.SyncIntervalSeconds) * time.Second
	if d < MinSyncInterval {
		return MinSyncInterval
	}

	return d
}

// IsFileEndpoint reports whether the endpoint selects the directory store.
func (c *Config) IsFileEndpoint() bool {
	return strings.HasPrefix(c.Endpoint, fileEndpointScheme)
}

// FileEndpointDir returns the directory of a file:// endpoint.
func (c *Config) FileEndpointDir() string {
	return strings.TrimPrefix(c.Endpoint, fileEndpointScheme)
}

// IsExcluded reports whether a setting key is configured to never sync.
func (c *Config) IsExcluded(key string) bool {
	for _, k := range c.ExcludedSettings {
		if strings.TrimSpace(k) == key {
			return true
		}
	}

	return false
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:cs_key1,user2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
