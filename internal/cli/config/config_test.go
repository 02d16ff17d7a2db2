package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"runbox/internal/cli/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != config.DefaultBaseURL {
		t.Errorf("BaseURL = %s", cfg.BaseURL)
	}
	if cfg.Timeout != config.DefaultTimeout {
		t.Errorf("Timeout = %s", cfg.Timeout)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.PrettyJSON == nil || !*cfg.PrettyJSON {
		t.Error("PrettyJSON should default to true")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cli.yaml")
	content := "baseURL: http://10.0.0.1:3000\nprettyJSON: false\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "http://10.0.0.1:3000" {
		t.Errorf("BaseURL = %s", cfg.BaseURL)
	}
	if cfg.Timeout != config.DefaultTimeout {
		t.Errorf("Timeout = %s, want default", cfg.Timeout)
	}
	if cfg.PrettyJSON == nil || *cfg.PrettyJSON {
		t.Error("PrettyJSON should stay false when set explicitly")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cli.yaml")
	if err := os.WriteFile(path, []byte("baseURL: [broken"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Error("expected parse error")
	}
}
