// Package config loads and holds all engine configuration.
// Settings start from built-in defaults, then an optional .env file, then
// an optional YAML file, then PIIENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pii-engine/internal/detector"
	"pii-engine/internal/resolver"
	"pii-engine/internal/template"
)

// DefaultFile is read when Load is given no path. It is optional.
const DefaultFile = "piiengine.yaml"

// Config holds the full engine configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	APIToken   string `yaml:"api_token"`

	Store     Store     `yaml:"store"`
	Detection Detection `yaml:"detection"`
	Batch     Batch     `yaml:"batch"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// Store selects the template store backend.
type Store struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

// Detection tunes recognizers and thresholds.
type Detection struct {
	// MinConfidence overrides Sensitivity when set. Zero keeps every candidate.
	MinConfidence    *float64 `yaml:"min_confidence"`
	Sensitivity      string   `yaml:"sensitivity"`
	Context          string   `yaml:"context"`
	RecognizerFile   string   `yaml:"recognizer_file"`
	EnabledEntities  []string `yaml:"enabled_entities"`
	DisabledEntities []string `yaml:"disabled_entities"`
}

// Batch bounds file processing.
type Batch struct {
	Workers      int   `yaml:"workers"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// Root confines API file paths to one directory tree. Empty allows any
	// path the server can read.
	Root string `yaml:"root"`
}

// RateLimit bounds API requests per minute. Zero disables the limit.
type RateLimit struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// Load returns config with defaults overridden by .env, the YAML file at
// path and PIIENGINE_* env vars. An empty path reads DefaultFile if it
// exists; a non-empty path must exist.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := loadFile(cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8090",
		LogLevel:   "info",
		LogFormat:  "console",
		Store: Store{
			Backend:   template.BackendBolt,
			Path:      "piiengine.db",
			CacheSize: 256,
		},
		Detection: Detection{
			Sensitivity: "high",
			Context:     string(detector.ContextKeyword),
		},
		Batch: Batch{
			Workers:      4,
			MaxFileBytes: 32 << 20,
		},
		RateLimit: RateLimit{RPM: 600, Burst: 20},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

const envPrefix = "PIIENGINE_"

func loadEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	list := func(name string, dst *[]string) {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return
		}
		*dst = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*dst = append(*dst, part)
			}
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("API_TOKEN", &cfg.APIToken)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STORE_PATH", &cfg.Store.Path)
	str("SENSITIVITY", &cfg.Detection.Sensitivity)
	str("CONTEXT", &cfg.Detection.Context)
	str("RECOGNIZER_FILE", &cfg.Detection.RecognizerFile)
	str("BATCH_ROOT", &cfg.Batch.Root)
	list("ENABLED_ENTITIES", &cfg.Detection.EnabledEntities)
	list("DISABLED_ENTITIES", &cfg.Detection.DisabledEntities)

	for name, dst := range map[string]*int{
		"STORE_CACHE_SIZE": &cfg.Store.CacheSize,
		"WORKERS":          &cfg.Batch.Workers,
		"RATE_LIMIT_RPM":   &cfg.RateLimit.RPM,
		"RATE_LIMIT_BURST": &cfg.RateLimit.Burst,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "MAX_FILE_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_FILE_BYTES: %w", envPrefix, err)
		}
		cfg.Batch.MaxFileBytes = n
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "MIN_CONFIDENCE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sMIN_CONFIDENCE: %w", envPrefix, err)
		}
		cfg.Detection.MinConfidence = &f
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if mc := c.Detection.MinConfidence; mc != nil && (*mc < 0 || *mc > 1) {
		errs = append(errs, fmt.Errorf("detection.min_confidence %v outside [0, 1]", *mc))
	}
	if _, err := resolver.ThresholdFor(c.Detection.Sensitivity); err != nil {
		errs = append(errs, fmt.Errorf("detection.sensitivity: %w", err))
	}
	if _, err := detector.ParseStrategy(c.Detection.Context); err != nil {
		errs = append(errs, fmt.Errorf("detection.context: %w", err))
	}
	switch strings.ToLower(c.Store.Backend) {
	case template.BackendMemory:
	case template.BackendBolt, "bolt", template.BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory, bbolt or sqlite", c.Store.Backend))
	}
	if c.Store.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("store.cache_size %d is negative", c.Store.CacheSize))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers %d: want at least 1", c.Batch.Workers))
	}
	if c.Batch.MaxFileBytes < 0 {
		errs = append(errs, fmt.Errorf("batch.max_file_bytes %d is negative", c.Batch.MaxFileBytes))
	}
	if c.RateLimit.RPM < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want console or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// MinConfidence returns the effective detection threshold.
func (c *Config) MinConfidence() float64 {
	if c.Detection.MinConfidence != nil {
		return *c.Detection.MinConfidence
	}
	t, err := resolver.ThresholdFor(c.Detection.Sensitivity)
	if err != nil {
		return resolver.DefaultMinConfidence
	}
	return t
}
