// Package config loads runtime configuration for the pipeline: a YAML file
// layered under environment variable overrides, with env always winning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerCounts holds the per-stage worker pool sizes.
type WorkerCounts struct {
	Fetch      int `yaml:"fetch_workers"`
	OCR        int `yaml:"ocr_workers"`
	Compile    int `yaml:"compilation_workers"`
	Extraction int `yaml:"extraction_workers"`
	Deploy     int `yaml:"deploy_workers"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	StorageDir  string `yaml:"storage_dir"`

	DefaultOCRBackend string `yaml:"default_ocr_backend"`
	EnableExtraction  bool   `yaml:"enable_extraction"`

	Workers WorkerCounts `yaml:"workers"`

	CoordinatorBackend string        `yaml:"coordinator_backend"` // "poll" | "temporal"
	ReconcileCron      string        `yaml:"reconcile_cron"`
	StuckThreshold     time.Duration `yaml:"-"`

	HTTPAddr string `yaml:"http_addr"`
	LogMode  string `yaml:"log_mode"`

	// GCS / Vision wiring for the default collaborator backends.
	GCSBucket          string `yaml:"gcs_bucket"`
	VisionOutputPrefix string `yaml:"vision_output_prefix"`

	// KnownSites, when non-empty, is the admission allowlist Scheduler
	// checks before admitting a subdomain - a blank list means any
	// well-formed subdomain is accepted, since not every deployment curates
	// one.
	KnownSites []string `yaml:"known_sites"`
}

// yamlShadow mirrors Config's yaml-bound fields with the duration fields
// expressed as strings, since time.Duration doesn't unmarshal from YAML
// scalars without help.
type yamlShadow struct {
	RedisURL           string       `yaml:"redis_url"`
	DatabaseURL        string       `yaml:"database_url"`
	StorageDir         string       `yaml:"storage_dir"`
	DefaultOCRBackend  string       `yaml:"default_ocr_backend"`
	EnableExtraction   bool         `yaml:"enable_extraction"`
	Workers            WorkerCounts `yaml:"workers"`
	CoordinatorBackend string       `yaml:"coordinator_backend"`
	ReconcileCron      string       `yaml:"reconcile_cron"`
	StuckThreshold     string       `yaml:"stuck_threshold"`
	HTTPAddr           string       `yaml:"http_addr"`
	LogMode            string       `yaml:"log_mode"`
	GCSBucket          string       `yaml:"gcs_bucket"`
	VisionOutputPrefix string       `yaml:"vision_output_prefix"`
	KnownSites         []string     `yaml:"known_sites"`
}

func defaults() Config {
	return Config{
		StorageDir:        "./storage",
		DefaultOCRBackend: "local_noop",
		EnableExtraction:  false,
		Workers: WorkerCounts{
			Fetch:      2,
			OCR:        4,
			Compile:    2,
			Extraction: 2,
			Deploy:     2,
		},
		CoordinatorBackend: "poll",
		ReconcileCron:      "*/15 * * * *",
		StuckThreshold:     2 * time.Hour,
		HTTPAddr:           ":8080",
		LogMode:            "development",
	}
}

// Load resolves configuration from, in order: built-in defaults, the YAML
// file at CONFIG_FILE (if set and present; a missing file is not an error),
// then environment variable overrides, which always win.
func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyYAMLFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var shadow yamlShadow
	if err := yaml.Unmarshal(b, &shadow); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if shadow.RedisURL != "" {
		cfg.RedisURL = shadow.RedisURL
	}
	if shadow.DatabaseURL != "" {
		cfg.DatabaseURL = shadow.DatabaseURL
	}
	if shadow.StorageDir != "" {
		cfg.StorageDir = shadow.StorageDir
	}
	if shadow.DefaultOCRBackend != "" {
		cfg.DefaultOCRBackend = shadow.DefaultOCRBackend
	}
	cfg.EnableExtraction = shadow.EnableExtraction || cfg.EnableExtraction
	if shadow.Workers.Fetch > 0 {
		cfg.Workers.Fetch = shadow.Workers.Fetch
	}
	if shadow.Workers.OCR > 0 {
		cfg.Workers.OCR = shadow.Workers.OCR
	}
	if shadow.Workers.Compile > 0 {
		cfg.Workers.Compile = shadow.Workers.Compile
	}
	if shadow.Workers.Extraction > 0 {
		cfg.Workers.Extraction = shadow.Workers.Extraction
	}
	if shadow.Workers.Deploy > 0 {
		cfg.Workers.Deploy = shadow.Workers.Deploy
	}
	if shadow.CoordinatorBackend != "" {
		cfg.CoordinatorBackend = shadow.CoordinatorBackend
	}
	if shadow.ReconcileCron != "" {
		cfg.ReconcileCron = shadow.ReconcileCron
	}
	if shadow.StuckThreshold != "" {
		d, err := time.ParseDuration(shadow.StuckThreshold)
		if err != nil {
			return fmt.Errorf("config: stuck_threshold %q: %w", shadow.StuckThreshold, err)
		}
		cfg.StuckThreshold = d
	}
	if shadow.HTTPAddr != "" {
		cfg.HTTPAddr = shadow.HTTPAddr
	}
	if shadow.LogMode != "" {
		cfg.LogMode = shadow.LogMode
	}
	if shadow.GCSBucket != "" {
		cfg.GCSBucket = shadow.GCSBucket
	}
	if shadow.VisionOutputPrefix != "" {
		cfg.VisionOutputPrefix = shadow.VisionOutputPrefix
	}
	if len(shadow.KnownSites) > 0 {
		cfg.KnownSites = shadow.KnownSites
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envStr("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := envStr("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := envStr("STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := envStr("DEFAULT_OCR_BACKEND"); v != "" {
		cfg.DefaultOCRBackend = v
	}
	if v, ok := envBool("ENABLE_EXTRACTION"); ok {
		cfg.EnableExtraction = v
	}
	cfg.Workers.Fetch = envInt("FETCH_WORKERS", cfg.Workers.Fetch)
	cfg.Workers.OCR = envInt("OCR_WORKERS", cfg.Workers.OCR)
	cfg.Workers.Compile = envInt("COMPILATION_WORKERS", cfg.Workers.Compile)
	cfg.Workers.Extraction = envInt("EXTRACTION_WORKERS", cfg.Workers.Extraction)
	cfg.Workers.Deploy = envInt("DEPLOY_WORKERS", cfg.Workers.Deploy)
	if v := envStr("COORDINATOR_BACKEND"); v != "" {
		cfg.CoordinatorBackend = v
	}
	if v := envStr("RECONCILE_CRON"); v != "" {
		cfg.ReconcileCron = v
	}
	if v := envStr("STUCK_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StuckThreshold = d
		}
	}
	if v := envStr("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := envStr("LOG_MODE"); v != "" {
		cfg.LogMode = v
	}
	if v := envStr("GCS_BUCKET"); v != "" {
		cfg.GCSBucket = v
	}
	if v := envStr("VISION_OCR_OUTPUT_PREFIX"); v != "" {
		cfg.VisionOutputPrefix = v
	}
	if v := envStr("KNOWN_SITES"); v != "" {
		var sites []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sites = append(sites, s)
			}
		}
		if len(sites) > 0 {
			cfg.KnownSites = sites
		}
	}
}

// Validate checks the invariants the core depends on at boot: Redis and
// Postgres are hard requirements (spec's REDIS_URL / DATABASE_URL contract).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	switch c.CoordinatorBackend {
	case "poll", "temporal":
	default:
		return fmt.Errorf("config: COORDINATOR_BACKEND must be poll or temporal, got %q", c.CoordinatorBackend)
	}
	return nil
}

func envStr(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string, def int) int {
	v := envStr(name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(name string) (bool, bool) {
	v := strings.ToLower(envStr(name))
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true" || v == "yes", true
}
