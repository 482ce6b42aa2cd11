package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config_version = %d", cfg.ConfigVersion)
	}
	if cfg.Editor.DebounceMS != 500 {
		t.Fatalf("debounce_ms = %d", cfg.Editor.DebounceMS)
	}
	if cfg.Run.MaxOutputBytes != 128<<10 {
		t.Fatalf("max_output_bytes = %d", cfg.Run.MaxOutputBytes)
	}
	if cfg.Run.MaxPerWindow != 5 || cfg.Run.WindowSeconds != 60 {
		t.Fatalf("rate limit defaults = %d/%ds", cfg.Run.MaxPerWindow, cfg.Run.WindowSeconds)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `config_version: 1
runtime:
  address: unix:///run/docker.sock
  image: docker.io/library/python:3.11-slim
editor:
  debounce_ms: 250
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.Image != "docker.io/library/python:3.11-slim" {
		t.Fatalf("image = %q", cfg.Runtime.Image)
	}
	if cfg.Editor.DebounceMS != 250 {
		t.Fatalf("debounce_ms = %d", cfg.Editor.DebounceMS)
	}
	if cfg.Run.MaxPerWindow != 5 {
		t.Fatalf("unset fields must keep defaults, got %d", cfg.Run.MaxPerWindow)
	}
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `config_version: 99
runtime:
  address: unix:///run/docker.sock
  image: python:3.12-slim
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadRequiresRuntimeFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("config_version: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "runtime.address") {
		t.Fatalf("expected runtime.address error, got %v", err)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if _, err := WriteDefault(path); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default must load back: %v", err)
	}
}
