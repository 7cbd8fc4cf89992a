package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trustclaw.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %s, want :8080", cfg.Server.Address)
	}
	if cfg.Queue.Worker != 1 {
		t.Fatalf("worker = %d, want 1", cfg.Queue.Worker)
	}
	if cfg.Sentinel.TrustThreshold != 60 {
		t.Fatalf("threshold = %d, want 60", cfg.Sentinel.TrustThreshold)
	}
	if len(cfg.Sentinel.Dimensions) != len(DefaultDimensions) {
		t.Fatalf("dimensions = %v", cfg.Sentinel.Dimensions)
	}
	// chains.yaml 默认相对于配置文件目录解析。
	if cfg.Registry.ChainConfig != filepath.Join(filepath.Dir(path), "chains.yaml") {
		t.Fatalf("chain config = %s", cfg.Registry.ChainConfig)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"threshold out of range", func(cfg *Config) { cfg.Sentinel.TrustThreshold = 150 }},
		{"blank dimension", func(cfg *Config) { cfg.Sentinel.Dimensions = []string{"quality", " "} }},
		{"mysql without dsn", func(cfg *Config) { cfg.Storage.Ledger.Driver = "mysql" }},
		{"unknown queue driver", func(cfg *Config) { cfg.Queue.Driver = "kafka" }},
		{"redis without address", func(cfg *Config) { cfg.Queue.Driver = "redis" }},
		{"webhook without endpoint", func(cfg *Config) { cfg.Publisher.Driver = "webhook" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults(t.TempDir())
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAllowsWebhookDryRun(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(t.TempDir())
	cfg.Publisher.Driver = "webhook"
	cfg.Publisher.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
