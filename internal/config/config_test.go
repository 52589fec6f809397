package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/ligustah/tilesync/internal/catalog"
	"github.com/ligustah/tilesync/internal/crawler"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Workers != 3 {
		t.Errorf("expected default workers 3, got %d", cfg.Workers)
	}
	if cfg.ArchiveSet != "5000" {
		t.Errorf("expected default archive set 5000, got %s", cfg.ArchiveSet)
	}
	if cfg.Retry.Attempts != 10 {
		t.Errorf("expected default retry attempts 10, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Backoff != 5*time.Second {
		t.Errorf("expected default retry backoff 5s, got %v", cfg.Retry.Backoff)
	}
	if cfg.Retry.Step != time.Second {
		t.Errorf("expected default retry step 1s, got %v", cfg.Retry.Step)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
base_url: https://mirror.example/allData
output_dir: /data/h5
snapshot_url: s3://catalogs?region=us-east-1
archive_set: "5200"
products: [VNP46A3, VJ146A3]
tiles:
  - h09v05
  - h10v05
workers: 6
task_timeout: 15m
crawl_mode: incremental
compress_snapshots: true
cadence:
  VNP46A3: daily
progress: true
retry:
  attempts: 4
  backoff: 2s
  step: 500ms
log:
  level: debug
  format: json
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tilesync.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.BaseURL != "https://mirror.example/allData" {
		t.Errorf("unexpected base_url %s", cfg.BaseURL)
	}
	if cfg.ArchiveSet != "5200" {
		t.Errorf("expected archive set 5200, got %s", cfg.ArchiveSet)
	}
	if !slices.Equal(cfg.Products, []string{"VNP46A3", "VJ146A3"}) {
		t.Errorf("unexpected products %v", cfg.Products)
	}
	if !slices.Equal(cfg.Tiles, []string{"h09v05", "h10v05"}) {
		t.Errorf("unexpected tiles %v", cfg.Tiles)
	}
	if cfg.Workers != 6 {
		t.Errorf("expected workers 6, got %d", cfg.Workers)
	}
	if cfg.TaskTimeout != 15*time.Minute {
		t.Errorf("expected task timeout 15m, got %v", cfg.TaskTimeout)
	}
	if !cfg.CompressSnapshots || !cfg.Progress {
		t.Error("expected compress_snapshots and progress true")
	}
	if cfg.Retry.Attempts != 4 || cfg.Retry.Backoff != 2*time.Second || cfg.Retry.Step != 500*time.Millisecond {
		t.Errorf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Log.Output != "stderr" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}

	mode, err := cfg.Mode()
	if err != nil || mode != crawler.ModeIncremental {
		t.Errorf("Mode() = %v, %v", mode, err)
	}
	cadences, err := cfg.Cadences()
	if err != nil {
		t.Fatalf("Cadences: %v", err)
	}
	if cadences["VNP46A3"] != catalog.Daily {
		t.Errorf("expected VNP46A3 override to daily, got %v", cadences)
	}
	if err := cfg.ValidateSync(); err != nil {
		t.Errorf("ValidateSync: %v", err)
	}
}

func TestLoadFromYAMLBadDuration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tilesync.yaml")
	if err := os.WriteFile(configPath, []byte("retry:\n  backoff: soon\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TILESYNC_TOKEN", "secret")
	t.Setenv("TILESYNC_WORKERS", "8")
	t.Setenv("TILESYNC_TILES", "h09v05, h10v05,,")
	t.Setenv("TILESYNC_PROGRESS", "true")
	t.Setenv("TILESYNC_RETRY_ATTEMPTS", "3")
	t.Setenv("TILESYNC_RETRY_BACKOFF", "500ms")
	t.Setenv("TILESYNC_TASK_TIMEOUT", "1m")
	t.Setenv("TILESYNC_LOG_LEVEL", "warn")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Token != "secret" {
		t.Errorf("expected token from env, got %q", cfg.Token)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected workers 8, got %d", cfg.Workers)
	}
	if !slices.Equal(cfg.Tiles, []string{"h09v05", "h10v05"}) {
		t.Errorf("unexpected tiles %v", cfg.Tiles)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Backoff != 500*time.Millisecond {
		t.Errorf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.TaskTimeout != time.Minute {
		t.Errorf("expected task timeout 1m, got %v", cfg.TaskTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Log.Level)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("TILESYNC_WORKERS", "many")
	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for invalid TILESYNC_WORKERS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing base URL", func(c *Config) { c.BaseURL = "" }, true},
		{"missing snapshot URL", func(c *Config) { c.SnapshotURL = "" }, true},
		{"missing archive set", func(c *Config) { c.ArchiveSet = "" }, true},
		{"invalid workers", func(c *Config) { c.Workers = 0 }, true},
		{"invalid attempts", func(c *Config) { c.Retry.Attempts = 0 }, true},
		{"negative backoff", func(c *Config) { c.Retry.Backoff = -time.Second }, true},
		{"unknown crawl mode", func(c *Config) { c.CrawlMode = "partial" }, true},
		{"unknown cadence", func(c *Config) { c.Cadence = map[string]string{"VNP46A3": "weekly"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSync(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateSync(); err == nil {
		t.Error("expected error without output dir, products and tiles")
	}
	cfg.OutputDir = "/data"
	cfg.Products = []string{"VNP46A3"}
	cfg.Tiles = []string{"h09v05"}
	if err := cfg.ValidateSync(); err != nil {
		t.Errorf("ValidateSync: %v", err)
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Token = "base-token"
	base.Cadence = map[string]string{"VNP46A3": "monthly"}

	override := Config{
		Workers: 12,
		Cadence: map[string]string{"VNP46A4": "annual"},
	}

	merged := base.Merge(override)

	if merged.Token != "base-token" {
		t.Errorf("expected token preserved, got %s", merged.Token)
	}
	if merged.Retry.Attempts != 10 {
		t.Errorf("expected retry attempts preserved, got %d", merged.Retry.Attempts)
	}
	if merged.Workers != 12 {
		t.Errorf("expected workers overridden to 12, got %d", merged.Workers)
	}
	if len(merged.Cadence) != 2 {
		t.Errorf("expected merged cadence map, got %v", merged.Cadence)
	}
	if len(base.Cadence) != 1 {
		t.Error("merge must not modify the base cadence map")
	}
}

func TestHTTPOptions(t *testing.T) {
	cfg := Default()
	cfg.Token = "t"
	cfg.Retry = RetryConfig{Attempts: 2, Backoff: time.Millisecond, Step: 0}

	opts := cfg.HTTPOptions()
	if opts.Token != "t" || opts.RetryAttempts != 2 || opts.RetryBackoff != time.Millisecond || opts.MaxIdleConnsPerHost == 0 {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
