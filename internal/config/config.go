package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"
	yaml "gopkg.in/yaml.v2"
)

// Sink types understood by the application.
const (
	SinkSolr          = "solr"
	SinkOpenSearch    = "opensearch"
	SinkElasticsearch = "elasticsearch"
	SinkBleve         = "bleve"
	SinkCSV           = "csv"
)

// Status reporter types.
const (
	StatusLog    = "log"
	StatusPebble = "pebble"
	StatusRedis  = "redis"
)

type BatchConfig struct {
	Size         int    `yaml:"size"`
	FlushDelayMS int    `yaml:"flush_delay_ms"`
	NonceField   string `yaml:"nonce_field"`
}

// FlushDelay returns FlushDelayMS as a duration.
func (b BatchConfig) FlushDelay() time.Duration {
	return time.Duration(b.FlushDelayMS) * time.Millisecond
}

type SinkConfig struct {
	Type string `yaml:"type"`
	// URL is the backend base URL (remote sinks) or a directory (bleve, csv).
	URL       string `yaml:"url"`
	Index     string `yaml:"index"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
	// Options holds backend specific settings, see DecodeOptions.
	Options map[string]interface{} `yaml:"options"`
}

// Timeout returns TimeoutMS as a duration.
func (s SinkConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// DecodeOptions decodes Options into out, a pointer to a struct tagged with
// `mapstructure`.
func (s SinkConfig) DecodeOptions(out interface{}) error {
	if len(s.Options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(s.Options); err != nil {
		return fmt.Errorf("invalid sink.options for %s: %w", s.Type, err)
	}
	return nil
}

type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

type StatusConfig struct {
	Type      string `yaml:"type"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

type DLQConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether a dead-letter topic is configured.
func (d DLQConfig) Enabled() bool { return len(d.Brokers) > 0 }

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FeederConfig struct {
	// Workers defines how many goroutines parse and submit records.
	// If not set, it defaults to the number of available CPUs.
	Workers int `yaml:"workers"`
}

type Config struct {
	Batch   BatchConfig   `yaml:"batch"`
	Sink    SinkConfig    `yaml:"sink"`
	Retry   RetryConfig   `yaml:"retry"`
	Status  StatusConfig  `yaml:"status"`
	DLQ     DLQConfig     `yaml:"dlq"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Feeder  FeederConfig  `yaml:"feeder"`
}

// Load reads and unmarshals the configuration file located at the given path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	// Resolve relative local paths against the config file directory.
	cfgDir := filepath.Dir(absPath)
	switch cfg.Sink.Type {
	case SinkBleve, SinkCSV:
		if !filepath.IsAbs(cfg.Sink.URL) {
			cfg.Sink.URL = filepath.Join(cfgDir, cfg.Sink.URL)
		}
	}
	if cfg.Status.Type == StatusPebble && !filepath.IsAbs(cfg.Status.Path) {
		cfg.Status.Path = filepath.Join(cfgDir, cfg.Status.Path)
	}

	return cfg, nil
}

// Parse unmarshals YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Batch.Size == 0 {
		c.Batch.Size = 100
	}
	if c.Batch.FlushDelayMS == 0 {
		c.Batch.FlushDelayMS = 1000
	}
	if c.Batch.NonceField == "" {
		c.Batch.NonceField = "_nonce"
	}

	if c.Sink.TimeoutMS == 0 {
		c.Sink.TimeoutMS = 30_000
	}

	// A single attempt means no retries on batch sends.
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 1
	}
	if c.Retry.DelayMS == 0 {
		c.Retry.DelayMS = 1500
	}

	if c.Status.Type == "" {
		c.Status.Type = StatusLog
	}
	if c.Status.RedisKey == "" {
		c.Status.RedisKey = "docingest:status"
	}

	if c.DLQ.Topic == "" {
		c.DLQ.Topic = "docingest.dlq"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Default workers to the number of CPUs when not provided or invalid.
	if c.Feeder.Workers <= 0 {
		c.Feeder.Workers = runtime.NumCPU()
		if c.Feeder.Workers < 1 {
			c.Feeder.Workers = 1
		}
	}
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Batch,
		validation.Field(&c.Batch.Size, validation.Required, validation.Min(1)),
		validation.Field(&c.Batch.FlushDelayMS, validation.Required, validation.Min(1)),
		validation.Field(&c.Batch.NonceField, validation.Required),
	); err != nil {
		return fmt.Errorf("batch: %w", err)
	}

	remote := validation.In(SinkSolr, SinkOpenSearch, SinkElasticsearch)
	if err := validation.ValidateStruct(&c.Sink,
		validation.Field(&c.Sink.Type, validation.Required,
			validation.In(SinkSolr, SinkOpenSearch, SinkElasticsearch, SinkBleve, SinkCSV)),
		validation.Field(&c.Sink.URL, validation.Required),
		validation.Field(&c.Sink.Index, validation.When(remote.Validate(c.Sink.Type) == nil, validation.Required)),
		validation.Field(&c.Sink.TimeoutMS, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	if err := validation.ValidateStruct(&c.Retry,
		validation.Field(&c.Retry.Attempts, validation.Min(1)),
		validation.Field(&c.Retry.DelayMS, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if err := validation.ValidateStruct(&c.Status,
		validation.Field(&c.Status.Type, validation.In(StatusLog, StatusPebble, StatusRedis)),
		validation.Field(&c.Status.Path, validation.When(c.Status.Type == StatusPebble, validation.Required)),
		validation.Field(&c.Status.RedisAddr, validation.When(c.Status.Type == StatusRedis, validation.Required)),
	); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if err := validation.Validate(c.Logging.Format, validation.In("", "text", "json")); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	return nil
}
