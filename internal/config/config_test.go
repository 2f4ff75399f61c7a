package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.URL != "http://localhost:5050" {
		t.Fatalf("url = %q", cfg.Server.URL)
	}
	if time.Duration(cfg.Server.Timeout) != 30*time.Second {
		t.Fatalf("timeout = %v", time.Duration(cfg.Server.Timeout))
	}
	if !cfg.Journal.Enabled {
		t.Fatalf("journal should default to enabled")
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  url: http://10.0.0.5:5050\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.URL != "http://10.0.0.5:5050" {
		t.Fatalf("url = %q", cfg.Server.URL)
	}
	if cfg.Log.Level != "info" || time.Duration(cfg.Server.Timeout) != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative url": "server:\n  url: localhost:5050\n",
		"scheme":       "server:\n  url: ftp://localhost\n",
		"level":        "log:\n  level: loud\n",
		"duration":     "server:\n  timeout: soon\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Server.URL == "" {
		t.Fatalf("optional load: %v %+v", err, cfg)
	}
	if err := os.WriteFile(filepath.Join(dir, "cea.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
}
