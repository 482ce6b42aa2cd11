package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StorePath     string        `mapstructure:"store_path" yaml:"store_path"`
	WorkspaceRoot string        `mapstructure:"workspace_root" yaml:"workspace_root"`
	Runtime       RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Sandbox       SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Editor        EditorConfig  `mapstructure:"editor" yaml:"editor"`
	Run           RunConfig     `mapstructure:"run" yaml:"run"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// RuntimeConfig configures the container runtime endpoint.
type RuntimeConfig struct {
	Address     string `mapstructure:"address" yaml:"address"`
	Image       string `mapstructure:"image" yaml:"image"`
	PullTimeout int    `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// SandboxConfig sets resource caps applied to every session sandbox.
type SandboxConfig struct {
	MemoryBytes int64 `mapstructure:"memory_bytes" yaml:"memory_bytes"`
	NanoCPUs    int64 `mapstructure:"nano_cpus" yaml:"nano_cpus"`
	PidsLimit   int64 `mapstructure:"pids_limit" yaml:"pids_limit"`
}

// EditorConfig controls the edit write-back behavior.
type EditorConfig struct {
	DebounceMS      int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	MaxContentBytes int `mapstructure:"max_content_bytes" yaml:"max_content_bytes"`
}

// RunConfig controls run pipeline limits.
type RunConfig struct {
	MaxOutputBytes        int `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	MaxPerWindow          int `mapstructure:"max_per_window" yaml:"max_per_window"`
	WindowSeconds         int `mapstructure:"window_seconds" yaml:"window_seconds"`
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `mapstructure:"max_timeout_seconds" yaml:"max_timeout_seconds"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	SessionCookie   string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
}

// AuthConfig configures the user store and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the user store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StorePath:     filepath.Join(home, ".codedock", "codedock.db"),
		WorkspaceRoot: filepath.Join(home, ".codedock", "workspaces"),
		Runtime: RuntimeConfig{
			Address:     fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
			Image:       "docker.io/library/python:3.12-slim",
			PullTimeout: 5,
		},
		Sandbox: SandboxConfig{
			MemoryBytes: 512 << 20,
			NanoCPUs:    1_000_000_000,
			PidsLimit:   256,
		},
		Editor: EditorConfig{
			DebounceMS:      500,
			MaxContentBytes: 1 << 20,
		},
		Run: RunConfig{
			MaxOutputBytes:        128 << 10,
			MaxPerWindow:          5,
			WindowSeconds:         60,
			DefaultTimeoutSeconds: 30,
			MaxTimeoutSeconds:     120,
		},
		HTTP: HTTPConfig{
			Addr:            ":27490",
			SessionCookie:   "codedock_session",
			SessionTTLHours: 720,
		},
		Auth: AuthConfig{
			UserFile: filepath.Join(home, ".codedock", "users.json"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codedock", "config.yaml"), nil
}
