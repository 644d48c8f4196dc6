package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for deploygate.
type Config struct {
	BaseDir       string           `toml:"base_dir"`
	LogDir        string           `toml:"log_dir"`
	LogLevel      string           `toml:"log_level"`
	WorkspaceRoot string           `toml:"workspace_root"`
	Keys          KeysConfig       `toml:"keys"`
	Session       SessionConfig    `toml:"session"`
	History       HistoryConfig    `toml:"history"`
	Audit         AuditConfig      `toml:"audit"`
	Vaults        []VaultConfig    `toml:"vaults"`
	Coverage      CoverageConfig   `toml:"coverage"`
	Git           GitConfig        `toml:"git"`
	Workers       WorkersConfig    `toml:"workers"`
	Server        ServerConfig     `toml:"server"`
	Filesystem    FilesystemConfig `toml:"filesystem"`
	Agents        []AgentConfig    `toml:"agents"`
}

// Duration is a time.Duration written as a Go duration string ("4h").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// KeysConfig configures the authorized key registry and the server keypair.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type KeysConfig struct {
	Type                string `toml:"type"`                    // "file" or "memory"
	RegistryPath        string `toml:"registry_path,omitempty"` // only used for type=file
	ServerKeyPath       string `toml:"server_key_path"`
	ServerPublicKeyPath string `toml:"server_public_key_path"`
	KeyBits             int    `toml:"key_bits,omitempty"`
}

// SessionConfig holds session lifetime settings.
type SessionConfig struct {
	TTL             Duration `toml:"ttl"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// HistoryConfig represents configuration for the deployment history.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type HistoryConfig struct {
	Type       string `toml:"type"`               // "json", "sqlite", or "memory"
	Path       string `toml:"path,omitempty"`     // only used for type=json
	DataDir    string `toml:"data_dir,omitempty"` // only used for type=sqlite
	MaxEntries int    `toml:"max_entries"`
}

// AuditConfig represents configuration for the audit log.
type AuditConfig struct {
	Type string `toml:"type"`           // "file" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=file
}

// VaultConfig represents configuration for a snapshot vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Optional static credentials; the default AWS chain is used when empty.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// CoverageConfig configures the test runner. Command is an argv template;
// {test_file}, {module}, {managed_file} and {json_report} are substituted.
type CoverageConfig struct {
	Command []string `toml:"command"`
	Timeout Duration `toml:"timeout"`
}

// GitConfig configures git invocations.
type GitConfig struct {
	Binary  string   `toml:"binary"`
	Timeout Duration `toml:"timeout"`
}

// WorkersConfig bounds concurrent subprocesses.
type WorkersConfig struct {
	MaxSubprocesses int `toml:"max_subprocesses"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `toml:"transport"` // "stdio" or "http"
	Listen    string `toml:"listen,omitempty"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Protected []string `toml:"protected"`
}

// AgentConfig declares one agent and the single file it manages. File is
// relative to the workspace root.
type AgentConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	File string `toml:"file"`
}

// DefaultCoverageCommand runs pytest with coverage.py for one module.
var DefaultCoverageCommand = []string{
	"python", "-m", "pytest", "{test_file}",
	"--cov={module}", "--cov-report=term-missing", "--cov-report=json:{json_report}",
}

// NewConfig creates a new Config with default paths under baseDir for the
// workspace at workspaceRoot.
func NewConfig(baseDir, workspaceRoot string) *Config {
	return &Config{
		BaseDir:       baseDir,
		LogDir:        filepath.Join(baseDir, "log"),
		LogLevel:      "info",
		WorkspaceRoot: workspaceRoot,
		Keys: KeysConfig{
			Type:                "file",
			RegistryPath:        filepath.Join(baseDir, "authorized_keys.json"),
			ServerKeyPath:       filepath.Join(baseDir, "keys", "server.pem"),
			ServerPublicKeyPath: filepath.Join(baseDir, "keys", "server.pub.pem"),
			KeyBits:             2048,
		},
		Session: SessionConfig{
			TTL:             Duration{4 * time.Hour},
			CleanupInterval: Duration{5 * time.Minute},
		},
		History: HistoryConfig{
			Type:       "json",
			Path:       filepath.Join(baseDir, "deployment_history.json"),
			MaxEntries: 1000,
		},
		Audit: AuditConfig{
			Type: "file",
			Path: filepath.Join(baseDir, "audit.log"),
		},
		Coverage: CoverageConfig{
			Command: DefaultCoverageCommand,
			Timeout: Duration{300 * time.Second},
		},
		Git: GitConfig{
			Binary:  "git",
			Timeout: Duration{120 * time.Second},
		},
		Workers: WorkersConfig{MaxSubprocesses: 4},
		Server:  ServerConfig{Transport: "stdio", Listen: "127.0.0.1:8765"},
	}
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

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if a.File == "" {
			return fmt.Errorf("agent %q: file is required", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
