package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/tilesync/internal/catalog"
	"github.com/ligustah/tilesync/internal/crawler"
	tilehttp "github.com/ligustah/tilesync/internal/http"
	"github.com/ligustah/tilesync/internal/logging"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TILESYNC_"

// DefaultBaseURL is the root of the public archive listings.
const DefaultBaseURL = "https://ladsweb.modaps.eosdis.nasa.gov/archive/allData/"

// Config defines configuration for the tilesync CLI.
type Config struct {
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	OutputDir   string `yaml:"output_dir"`
	SnapshotURL string `yaml:"snapshot_url"`

	ArchiveSet string   `yaml:"archive_set"`
	Products   []string `yaml:"products"`
	Tiles      []string `yaml:"tiles"`

	Workers                int           `yaml:"workers"`
	TaskTimeout            time.Duration `yaml:"task_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`

	CrawlMode         string            `yaml:"crawl_mode"`
	CompressSnapshots bool              `yaml:"compress_snapshots"`
	Cadence           map[string]string `yaml:"cadence"`

	Progress bool           `yaml:"progress"`
	Retry    RetryConfig    `yaml:"retry"`
	Log      logging.Config `yaml:"log"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	Step     time.Duration `yaml:"step"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		SnapshotURL: "support",
		ArchiveSet:  "5000",
		Workers:     3,
		CrawlMode:   string(crawler.ModeFull),
		Retry: RetryConfig{
			Attempts: 10,
			Backoff:  5 * time.Second,
			Step:     time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	BaseURL                string            `yaml:"base_url"`
	Token                  string            `yaml:"token"`
	OutputDir              string            `yaml:"output_dir"`
	SnapshotURL            string            `yaml:"snapshot_url"`
	ArchiveSet             string            `yaml:"archive_set"`
	Products               []string          `yaml:"products"`
	Tiles                  []string          `yaml:"tiles"`
	Workers                int               `yaml:"workers"`
	TaskTimeout            string            `yaml:"task_timeout"`
	MaxConsecutiveFailures int               `yaml:"max_consecutive_failures"`
	CrawlMode              string            `yaml:"crawl_mode"`
	CompressSnapshots      bool              `yaml:"compress_snapshots"`
	Cadence                map[string]string `yaml:"cadence"`
	Progress               bool              `yaml:"progress"`
	Retry                  yamlRetryConfig   `yaml:"retry"`
	Log                    logging.Config    `yaml:"log"`
}

type yamlRetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"`
	Step     string `yaml:"step"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		BaseURL:                yc.BaseURL,
		Token:                  yc.Token,
		OutputDir:              yc.OutputDir,
		SnapshotURL:            yc.SnapshotURL,
		ArchiveSet:             yc.ArchiveSet,
		Products:               yc.Products,
		Tiles:                  yc.Tiles,
		Workers:                yc.Workers,
		MaxConsecutiveFailures: yc.MaxConsecutiveFailures,
		CrawlMode:              yc.CrawlMode,
		CompressSnapshots:      yc.CompressSnapshots,
		Cadence:                yc.Cadence,
		Progress:               yc.Progress,
		Retry:                  RetryConfig{Attempts: yc.Retry.Attempts},
		Log:                    yc.Log,
	}
	if override.TaskTimeout, err = parseDuration("task_timeout", yc.TaskTimeout); err != nil {
		return Config{}, err
	}
	if override.Retry.Backoff, err = parseDuration("retry.backoff", yc.Retry.Backoff); err != nil {
		return Config{}, err
	}
	if override.Retry.Step, err = parseDuration("retry.step", yc.Retry.Step); err != nil {
		return Config{}, err
	}

	return Default().Merge(override), nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TILESYNC_ prefix.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"BASE_URL":     &c.BaseURL,
		"TOKEN":        &c.Token,
		"OUTPUT_DIR":   &c.OutputDir,
		"SNAPSHOT_URL": &c.SnapshotURL,
		"ARCHIVE_SET":  &c.ArchiveSet,
		"CRAWL_MODE":   &c.CrawlMode,
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FORMAT":   &c.Log.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"PRODUCTS": &c.Products,
		"TILES":    &c.Tiles,
	}
	for name, dst := range lists {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = SplitList(v)
		}
	}

	ints := map[string]*int{
		"WORKERS":                  &c.Workers,
		"MAX_CONSECUTIVE_FAILURES": &c.MaxConsecutiveFailures,
		"RETRY_ATTEMPTS":           &c.Retry.Attempts,
	}
	for name, dst := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"TASK_TIMEOUT":  &c.TaskTimeout,
		"RETRY_BACKOFF": &c.Retry.Backoff,
		"RETRY_STEP":    &c.Retry.Step,
	}
	for name, dst := range durations {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(EnvPrefix + "PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "COMPRESS_SNAPSHOTS"); v != "" {
		c.CompressSnapshots = v == "true" || v == "1"
	}

	return nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate validates the settings every command needs.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if c.SnapshotURL == "" {
		return errors.New("config: snapshot_url is required")
	}
	if c.ArchiveSet == "" {
		return errors.New("config: archive_set is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.TaskTimeout < 0 {
		return errors.New("config: task_timeout must not be negative")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Retry.Backoff < 0 || c.Retry.Step < 0 {
		return errors.New("config: retry.backoff and retry.step must not be negative")
	}
	if _, err := c.Mode(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Cadences(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateSync additionally checks the settings a sync needs.
func (c *Config) ValidateSync() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.OutputDir == "" {
		return errors.New("config: output_dir is required")
	}
	if len(c.Products) == 0 {
		return errors.New("config: at least one product is required")
	}
	if len(c.Tiles) == 0 {
		return errors.New("config: at least one tile is required")
	}
	return nil
}

// Mode returns the configured crawl mode.
func (c *Config) Mode() (crawler.Mode, error) {
	return crawler.ParseMode(c.CrawlMode)
}

// Cadences returns the product cadence overrides.
func (c *Config) Cadences() (map[string]catalog.Cadence, error) {
	if len(c.Cadence) == 0 {
		return nil, nil
	}
	out := make(map[string]catalog.Cadence, len(c.Cadence))
	for product, s := range c.Cadence {
		cad, err := catalog.ParseCadence(s)
		if err != nil {
			return nil, fmt.Errorf("cadence of %s: %w", product, err)
		}
		out[product] = cad
	}
	return out, nil
}

// HTTPOptions returns client options for the archive.
func (c *Config) HTTPOptions() tilehttp.Options {
	opts := tilehttp.DefaultOptions()
	opts.Token = c.Token
	opts.RetryAttempts = c.Retry.Attempts
	opts.RetryBackoff = c.Retry.Backoff
	opts.RetryStep = c.Retry.Step
	return opts
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.BaseURL != "" {
		c.BaseURL = override.BaseURL
	}
	if override.Token != "" {
		c.Token = override.Token
	}
	if override.OutputDir != "" {
		c.OutputDir = override.OutputDir
	}
	if override.SnapshotURL != "" {
		c.SnapshotURL = override.SnapshotURL
	}
	if override.ArchiveSet != "" {
		c.ArchiveSet = override.ArchiveSet
	}
	if len(override.Products) > 0 {
		c.Products = override.Products
	}
	if len(override.Tiles) > 0 {
		c.Tiles = override.Tiles
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.TaskTimeout != 0 {
		c.TaskTimeout = override.TaskTimeout
	}
	if override.MaxConsecutiveFailures != 0 {
		c.MaxConsecutiveFailures = override.MaxConsecutiveFailures
	}
	if override.CrawlMode != "" {
		c.CrawlMode = override.CrawlMode
	}
	if override.CompressSnapshots {
		c.CompressSnapshots = true
	}
	if len(override.Cadence) > 0 {
		merged := make(map[string]string, len(c.Cadence)+len(override.Cadence))
		for k, v := range c.Cadence {
			merged[k] = v
		}
		for k, v := range override.Cadence {
			merged[k] = v
		}
		c.Cadence = merged
	}
	if override.Progress {
		c.Progress = true
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.Step != 0 {
		c.Retry.Step = override.Retry.Step
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.Log.Output != "" {
		c.Log.Output = override.Log.Output
	}
	return c
}
