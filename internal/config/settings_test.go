package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultEnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	base := `
store:
  dir: "base-store"
sandbox:
  binary_path: "tmbox"
`
	overlay := `
store:
  dir: "overlay-store"
`
	basePath := writeConfig(t, dir, "config.yaml", base)
	_ = writeConfig(t, dir, "config.development.yaml", overlay)

	cfg, err := Load(basePath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Dir != "overlay-store" {
		t.Fatalf("expected overlay store dir, got %q", cfg.Store.Dir)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	base := `
store:
  dir: "base-store"
sandbox:
  binary_path: "tmbox"
`
	basePath := writeConfig(t, dir, "config.yaml", base)

	t.Setenv("GRADER_SANDBOX_BINARY_PATH", "/usr/local/bin/tmbox")

	cfg, err := Load(basePath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sandbox.BinaryPath != "/usr/local/bin/tmbox" {
		t.Fatalf("expected env-overridden binary path, got %q", cfg.Sandbox.BinaryPath)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	badConfig := `
store:
  dir: ""
sandbox:
  binary_path: "tmbox"
`
	basePath := writeConfig(t, dir, "config.yaml", badConfig)

	_, err := Load(basePath)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "store.dir") {
		t.Fatalf("unexpected error: %v", err)
	}
}
