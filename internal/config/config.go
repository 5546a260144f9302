package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/retention"
)

const (
	defaultBindAddr          = "127.0.0.1:18790"
	defaultCleanupAfterHours = 24
	defaultDrainTimeout      = 5
	defaultBlockingWorkers   = 2
)

type OperationsConfig struct {
	// DatabaseFile defaults to <home>/operations.db.
	DatabaseFile string `yaml:"database_file"`
	// CleanupAfterHours is the retention threshold. 0 removes every terminal
	// record on each sweep. nil in YAML means the default.
	CleanupAfterHours *int   `yaml:"cleanup_after_hours"`
	SweepSchedule     string `yaml:"sweep_schedule"`
	// DrainTimeoutSeconds bounds how long shutdown waits for live tasks.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	BlockingWorkers     int `yaml:"blocking_workers"`
}

type IndexingConfig struct {
	TargetDirectories []string `yaml:"target_directories"`
	FileExtensions    []string `yaml:"file_extensions"`
	SentencesPerChunk int      `yaml:"sentences_per_chunk"`
	OverlapSentences  int      `yaml:"overlap_sentences"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists browser origins accepted on the websocket stream.
	// Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	Operations OperationsConfig `yaml:"operations"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Telemetry  otel.Config      `yaml:"telemetry"`

	// FileExists is false when config.yaml was absent and defaults were used.
	FileExists bool `yaml:"-"`
}

// RetentionAge converts the configured hours into a duration.
func (c Config) RetentionAge() time.Duration {
	if c.Operations.CleanupAfterHours == nil {
		return defaultCleanupAfterHours * time.Hour
	}
	return time.Duration(*c.Operations.CleanupAfterHours) * time.Hour
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Operations.DrainTimeoutSeconds) * time.Second
}

// DBPath resolves the operations database location.
func (c Config) DBPath() string {
	if c.Operations.DatabaseFile != "" {
		return c.Operations.DatabaseFile
	}
	return filepath.Join(c.HomeDir, "operations.db")
}

// Fingerprint returns a stable hash of the settings that shape runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|retention=%s|schedule=%s|workers=%d|dirs=%v|exts=%v|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath(), c.RetentionAge(), c.Operations.SweepSchedule,
		c.Operations.BlockingWorkers, c.Indexing.TargetDirectories, c.Indexing.FileExtensions, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("DOCSEARCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".docsearch")
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func defaultConfig() Config {
	hours := defaultCleanupAfterHours
	return Config{
		BindAddr: defaultBindAddr,
		LogLevel: "info",
		Operations: OperationsConfig{
			CleanupAfterHours:   &hours,
			SweepSchedule:       retention.DefaultSchedule,
			DrainTimeoutSeconds: defaultDrainTimeout,
			BlockingWorkers:     defaultBlockingWorkers,
		},
		Indexing: IndexingConfig{
			FileExtensions:    []string{".txt", ".md"},
			SentencesPerChunk: 5,
			OverlapSentences:  1,
		},
		Telemetry: otel.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "docsearch",
			SampleRate:  1.0,
		},
	}
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create docsearch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		cfg.FileExists = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Operations.CleanupAfterHours == nil {
		hours := defaultCleanupAfterHours
		cfg.Operations.CleanupAfterHours = &hours
	}
	if strings.TrimSpace(cfg.Operations.SweepSchedule) == "" {
		cfg.Operations.SweepSchedule = retention.DefaultSchedule
	}
	if cfg.Operations.DrainTimeoutSeconds <= 0 {
		cfg.Operations.DrainTimeoutSeconds = defaultDrainTimeout
	}
	if cfg.Operations.BlockingWorkers <= 0 {
		cfg.Operations.BlockingWorkers = defaultBlockingWorkers
	}
	if len(cfg.Indexing.FileExtensions) == 0 {
		cfg.Indexing.FileExtensions = []string{".txt", ".md"}
	}
	if cfg.Indexing.SentencesPerChunk <= 0 {
		cfg.Indexing.SentencesPerChunk = 5
	}
	if cfg.Indexing.OverlapSentences < 0 {
		cfg.Indexing.OverlapSentences = 0
	}
	for i, dir := range cfg.Indexing.TargetDirectories {
		cfg.Indexing.TargetDirectories[i] = expandHome(dir)
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "otlp-http"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "docsearch"
	}
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.Operations.CleanupAfterHours != nil && *c.Operations.CleanupAfterHours < 0 {
		return fmt.Errorf("operations.cleanup_after_hours must be >= 0, got %d", *c.Operations.CleanupAfterHours)
	}
	if _, err := retention.ParseSchedule(c.Operations.SweepSchedule); err != nil {
		return fmt.Errorf("operations.sweep_schedule: %w", err)
	}
	switch c.Telemetry.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of otlp-http, stdout, none", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("DOCSEARCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DOCSEARCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DOCSEARCH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("DOCSEARCH_DB_PATH"); raw != "" {
		cfg.Operations.DatabaseFile = raw
	}
	if raw := os.Getenv("DOCSEARCH_CLEANUP_AFTER_HOURS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("DOCSEARCH_CLEANUP_AFTER_HOURS: %w", err)
		}
		cfg.Operations.CleanupAfterHours = &v
	}
	if raw := os.Getenv("DOCSEARCH_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Operations.DrainTimeoutSeconds = v
		}
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetCleanupAfterHours rewrites operations.cleanup_after_hours in
// config.yaml, preserving other settings. A running daemon picks the
// change up through its Watcher.
func SetCleanupAfterHours(homeDir string, hours int) error {
	if hours < 0 {
		return fmt.Errorf("cleanup_after_hours must be >= 0, got %d", hours)
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	ops, _ := raw["operations"].(map[string]any)
	if ops == nil {
		ops = make(map[string]any)
	}
	ops["cleanup_after_hours"] = hours
	raw["operations"] = ops
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create docsearch home: %w", err)
	}
	return saveRawConfig(path, raw)
}
