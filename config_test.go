package graphquery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"context_dir": "/data/json",
		"chat": {"model": "gpt-4o", "timeout_seconds": 20, "max_retries": 2}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContextDir != "/data/json" || cfg.Chat.Model != "gpt-4o" {
		t.Errorf("json config: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("default lost: %q", cfg.Embedding.Model)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
context_dir: /data/yaml
local:
  community_level: 3
  max_context_tokens: 4000
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContextDir != "/data/yaml" {
		t.Errorf("context dir: %q", cfg.ContextDir)
	}
	if cfg.Local.CommunityLevel != 3 || cfg.Local.MaxContextTokens != 4000 {
		t.Errorf("local config: %+v", cfg.Local)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
context_dir = "/data/toml"

[global]
concurrency = 4
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContextDir != "/data/toml" || cfg.Global.Concurrency != 4 {
		t.Errorf("toml config: %+v", cfg)
	}
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.ini", "a=b")
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	path := writeFile(t, "config.json", `{"chat": {"timeout_seconds": 120}}`)
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" || cfg.EncodingModel != "cl100k_base" {
		t.Errorf("defaults: %+v", cfg)
	}
}
