package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("store_path", cfg.StorePath)
	v.SetDefault("workspace_root", cfg.WorkspaceRoot)
	v.SetDefault("runtime.address", cfg.Runtime.Address)
	v.SetDefault("runtime.image", cfg.Runtime.Image)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeout)
	v.SetDefault("sandbox.memory_bytes", cfg.Sandbox.MemoryBytes)
	v.SetDefault("sandbox.nano_cpus", cfg.Sandbox.NanoCPUs)
	v.SetDefault("sandbox.pids_limit", cfg.Sandbox.PidsLimit)
	v.SetDefault("editor.debounce_ms", cfg.Editor.DebounceMS)
	v.SetDefault("editor.max_content_bytes", cfg.Editor.MaxContentBytes)
	v.SetDefault("run.max_output_bytes", cfg.Run.MaxOutputBytes)
	v.SetDefault("run.max_per_window", cfg.Run.MaxPerWindow)
	v.SetDefault("run.window_seconds", cfg.Run.WindowSeconds)
	v.SetDefault("run.default_timeout_seconds", cfg.Run.DefaultTimeoutSeconds)
	v.SetDefault("run.max_timeout_seconds", cfg.Run.MaxTimeoutSeconds)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.session_cookie", cfg.HTTP.SessionCookie)
	v.SetDefault("http.session_ttl_hours", cfg.HTTP.SessionTTLHours)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("runtime.address") {
			return Config{}, fmt.Errorf("runtime.address is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("runtime.image") {
			return Config{}, fmt.Errorf("runtime.image is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default config to path, refusing to overwrite.
func WriteDefault(path string) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config already exists at %s", path)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func validate(cfg Config) error {
	if cfg.StorePath == "" {
		return errors.New("store_path is required")
	}
	if cfg.WorkspaceRoot == "" {
		return errors.New("workspace_root is required")
	}
	if cfg.Editor.DebounceMS <= 0 {
		return errors.New("editor.debounce_ms must be positive")
	}
	if cfg.Run.MaxOutputBytes <= 0 {
		return errors.New("run.max_output_bytes must be positive")
	}
	if cfg.Run.MaxPerWindow <= 0 || cfg.Run.WindowSeconds <= 0 {
		return errors.New("run.max_per_window and run.window_seconds must be positive")
	}
	if cfg.Run.DefaultTimeoutSeconds <= 0 || cfg.Run.MaxTimeoutSeconds < cfg.Run.DefaultTimeoutSeconds {
		return errors.New("run timeout settings are inconsistent")
	}
	return nil
}
