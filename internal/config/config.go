// Package config loads pipeline settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Config holds pipeline configuration
type Config struct {
	// BaseDir is where per-mode working directories are created
	BaseDir string

	// Per-mode dataset sources. Empty values fall back to the built-in table.
	StandardURL      string
	StandardFilename string
	StandardSize     uint64
	DebugURL         string
	DebugFilename    string
	DebugSize        uint64

	// FetchTimeout bounds each download attempt. Zero means no limit.
	FetchTimeout time.Duration

	// MaxAttempts bounds download attempts, including the first one
	MaxAttempts int

	// RetryInterval is the initial backoff between attempts
	RetryInterval time.Duration

	// StrictSize fails a run when the fetched size differs from the expected size
	StrictSize bool

	// HTTPAddr is the listen address of the worker binaries
	HTTPAddr string

	// DatabaseURL is the PostgreSQL connection string for DBOS state storage
	DatabaseURL string

	// QueueName is the DBOS workflow queue
	QueueName string

	// Concurrency is the number of concurrent DBOS workers
	Concurrency int

	// ApplicationVersion overrides the DBOS binary hash for version matching
	ApplicationVersion string

	// PublishContent uploads extracted files to the content service
	PublishContent bool

	// ContentStorageDir is the filesystem storage of the embedded content service
	ContentStorageDir string

	// Owner and tenant recorded on published content
	ContentOwnerID  uuid.UUID
	ContentTenantID uuid.UUID
}

// Default owner and tenant of published content
var (
	DefaultContentOwnerID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	DefaultContentTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "./data"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 1
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8081"
	}
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.ContentStorageDir == "" {
		c.ContentStorageDir = "./dev-data"
	}
	if c.ContentOwnerID == uuid.Nil {
		c.ContentOwnerID = DefaultContentOwnerID
	}
	if c.ContentTenantID == uuid.Nil {
		c.ContentTenantID = DefaultContentTenantID
	}
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("FETCH_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must not be negative, got %s", c.FetchTimeout))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("DBOS_CONCURRENCY must not be negative, got %d", c.Concurrency))
	}
	for _, name := range []string{c.StandardFilename, c.DebugFilename} {
		if name == "" {
			continue
		}
		if err := dataset.ValidateFilename(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return pipeline.NewError("config", pipeline.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Sources returns the resolver table described by the configuration.
func (c *Config) Sources() map[dataset.Mode]dataset.Source {
	return map[dataset.Mode]dataset.Source{
		dataset.Standard: {URL: c.StandardURL, Filename: c.StandardFilename, ExpectedSize: c.StandardSize},
		dataset.Debug:    {URL: c.DebugURL, Filename: c.DebugFilename, ExpectedSize: c.DebugSize},
	}
}

// Load reads the given .env files (".env" when none are given; missing
// files are ignored) and the process environment, which takes precedence.
// The process environment is not modified.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	fileEnv := map[string]string{}
	for _, file := range envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, pipeline.NewError("config", pipeline.ErrConfig, fmt.Errorf("failed to read %s: %w", file, err))
		}
		for k, v := range values {
			if _, ok := fileEnv[k]; !ok {
				fileEnv[k] = v
			}
		}
	}

	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	})
}

// FromLookup builds a Config from a key lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		BaseDir:            p.str("DEEPMATH_DATA_DIR"),
		StandardURL:        p.str("DATASET_STANDARD_URL"),
		StandardFilename:   p.str("DATASET_STANDARD_FILENAME"),
		StandardSize:       p.uint("DATASET_STANDARD_SIZE"),
		DebugURL:           p.str("DATASET_DEBUG_URL"),
		DebugFilename:      p.str("DATASET_DEBUG_FILENAME"),
		DebugSize:          p.uint("DATASET_DEBUG_SIZE"),
		FetchTimeout:       p.duration("FETCH_TIMEOUT"),
		MaxAttempts:        p.int("FETCH_MAX_ATTEMPTS"),
		RetryInterval:      p.duration("FETCH_RETRY_INTERVAL"),
		StrictSize:         p.bool("FETCH_STRICT_SIZE"),
		HTTPAddr:           p.str("WORKER_HTTP_ADDR"),
		DatabaseURL:        p.str("DBOS_SYSTEM_DATABASE_URL"),
		QueueName:          p.str("DBOS_QUEUE_NAME"),
		Concurrency:        p.int("DBOS_CONCURRENCY"),
		ApplicationVersion: p.str("DBOS_APPLICATION_VERSION"),
		PublishContent:     p.bool("PUBLISH_CONTENT"),
		ContentStorageDir:  p.str("STORAGE_DIR"),
		ContentOwnerID:     p.uuid("CONTENT_OWNER_ID"),
		ContentTenantID:    p.uuid("CONTENT_TENANT_ID"),
	}
	if len(p.errs) > 0 {
		return nil, pipeline.NewError("config", pipeline.ErrConfig, errors.Join(p.errs...))
	}

	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key string) string {
	v, _ := p.lookup(key)
	return v
}

func (p *parser) int(key string) int {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (p *parser) uint(key string) uint64 {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (p *parser) bool(key string) bool {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}

func (p *parser) uuid(key string) uuid.UUID {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return id
}
