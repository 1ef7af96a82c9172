package clinicalfacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/clinicalfacts/graphsink"
	"github.com/brunobiangulo/clinicalfacts/jobs"
	"github.com/brunobiangulo/clinicalfacts/llm"
	"github.com/brunobiangulo/clinicalfacts/lock"
	"github.com/brunobiangulo/clinicalfacts/source"
)

// EnvPrefix prefixes every environment override, e.g. CLINICALFACTS_LLM_MODEL.
const EnvPrefix = "CLINICALFACTS"

// Config holds all configuration for the engine.
type Config struct {
	LLM        llm.Config       `json:"llm" yaml:"llm"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`

	// Optional integrations. Each is disabled while its address is empty.
	Neo4j graphsink.Config `json:"neo4j" yaml:"neo4j"`
	Redis lock.RedisConfig `json:"redis" yaml:"redis"`
	AMQP  jobs.Config      `json:"amqp" yaml:"amqp"`
	S3    source.S3Config  `json:"s3" yaml:"s3"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite (default) or postgres

	// SQLitePath is the database file. Empty means ~/.clinicalfacts/clinicalfacts.db.
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL string `json:"postgres_url" yaml:"postgres_url" split_words:"true"`
	MaxConns    int32  `json:"max_conns" yaml:"max_conns" split_words:"true"`
}

// ExtractionConfig tunes the orchestrator and segmenter.
type ExtractionConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	UnitTimeout time.Duration `json:"unit_timeout" yaml:"unit_timeout" split_words:"true"`
	PDFMode     string        `json:"pdf_mode" yaml:"pdf_mode" split_words:"true"` // image or text
	DPI         int           `json:"dpi" yaml:"dpi"`
	PdftoppmBin string        `json:"pdftoppm_path" yaml:"pdftoppm_path" split_words:"true"`
	JSONSchema  bool          `json:"json_schema" yaml:"json_schema" split_words:"true"`
	MaxBytes    int64         `json:"max_bytes" yaml:"max_bytes" split_words:"true"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns a Config for a local Ollama model and SQLite.
func DefaultConfig() Config {
	return Config{
		LLM: llm.Config{
			Provider:   "ollama",
			Model:      "llama3.2-vision",
			BaseURL:    "http://localhost:11434",
			Timeout:    120 * time.Second,
		},
		Storage: StorageConfig{Driver: DriverSQLite},
		Extraction: ExtractionConfig{
			Concurrency: 4,
			UnitTimeout: 120 * time.Second,
			PDFMode:     "image",
			DPI:         150,
		},
		AMQP: jobs.Config{Queue: jobs.DefaultQueue, Prefetch: 4},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path when
// path is not empty and finally applies CLINICALFACTS_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%w: storage.postgres_url is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	switch c.Extraction.PDFMode {
	case "", "image", "text":
	default:
		return fmt.Errorf("%w: unknown pdf_mode %q", ErrInvalidConfig, c.Extraction.PDFMode)
	}
	if c.Extraction.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", ErrInvalidConfig)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("%w: negative llm.max_retries", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) sqlitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "clinicalfacts.db"
	}
	return filepath.Join(home, ".clinicalfacts", "clinicalfacts.db")
}
