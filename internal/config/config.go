// Package config loads the romsvd driver configuration.
//
// Values are layered with koanf: struct defaults, then an optional YAML file,
// then ROMSVD_ environment variables. Nested keys are separated by a double
// underscore in variable names, so ROMSVD_STORE__KIND sets store.kind.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/yyyoichi/romsvd/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ROMSVD_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Run       RunConfig       `koanf:"run"`
	Transport TransportConfig `koanf:"transport"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// RunConfig describes the synthetic simulation and its SVD.
type RunConfig struct {
	// Dim is the global state dimension, split evenly over the workers.
	Dim                int     `koanf:"dim" validate:"min=1"`
	Workers            int     `koanf:"workers" validate:"min=1"`
	Steps              int     `koanf:"steps" validate:"min=1"`
	TimeStep           float64 `koanf:"time_step" validate:"gt=0"`
	SamplingIncrement  float64 `koanf:"sampling_increment" validate:"gte=0"`
	SamplesPerInterval int     `koanf:"samples_per_interval" validate:"min=1"`
	// MaxBasisDimension 0 keeps the library default.
	MaxBasisDimension int     `koanf:"max_basis_dimension" validate:"gte=0"`
	SigmaTolerance    float64 `koanf:"sigma_tolerance" validate:"gte=0"`
	Debug             bool    `koanf:"debug"`
}

type TransportConfig struct {
	// Kind is local for goroutine workers or nats.
	Kind string `koanf:"kind" validate:"oneof=local nats"`
	// URL of the NATS server. Ignored when Embedded is set.
	URL string `koanf:"url"`
	// Embedded starts an in-process NATS server and runs every worker in
	// this process over it.
	Embedded bool   `koanf:"embedded"`
	Group    string `koanf:"group" validate:"required,excludesall=.*>"`
	// Rank of this process when joining an external server.
	Rank        int           `koanf:"rank" validate:"gte=0"`
	JoinTimeout time.Duration `koanf:"join_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	// Kind is memory, sqlite, minio or s3.
	Kind   string `koanf:"kind" validate:"oneof=memory sqlite minio s3"`
	Codec  string `koanf:"codec" validate:"oneof=none lz4 zstd"`
	Path   string `koanf:"path" validate:"required_if=Kind sqlite"`
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`
	// Endpoint, AccessKey, SecretKey and Secure configure minio.
	Endpoint  string `koanf:"endpoint" validate:"required_if=Kind minio"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Secure    bool   `koanf:"secure"`
}

type ServerConfig struct {
	// Addr serves /metrics and /healthz. Empty disables the server.
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Logger converts the logging section for logging.New.
func (c LoggingConfig) Logger() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format}
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Dim:                64,
			Workers:            2,
			Steps:              200,
			TimeStep:           0.01,
			SamplingIncrement:  0.05,
			SamplesPerInterval: 20,
			SigmaTolerance:     1e-8,
		},
		Transport: TransportConfig{
			Kind:        "local",
			URL:         "nats://127.0.0.1:4222",
			Embedded:    true,
			Group:       "romsvd",
			JoinTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Kind:   "memory",
			Codec:  "zstd",
			Path:   "romsvd.db",
			Bucket: "romsvd",
		},
		Server: ServerConfig{
			Addr:            ":9090",
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path names an optional YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ROMSVD_RUN__SAMPLES_PER_INTERVAL to run.samples_per_interval.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules spanning several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Run.Dim < c.Run.Workers {
		return fmt.Errorf("%w: dim %d smaller than %d workers", ErrInvalid, c.Run.Dim, c.Run.Workers)
	}
	if c.Transport.Kind == "nats" && !c.Transport.Embedded {
		if c.Transport.URL == "" {
			return fmt.Errorf("%w: nats transport needs a url", ErrInvalid)
		}
		if c.Transport.Rank >= c.Run.Workers {
			return fmt.Errorf("%w: rank %d of %d workers", ErrInvalid, c.Transport.Rank, c.Run.Workers)
		}
	}
	if (c.Store.Kind == "minio" || c.Store.Kind == "s3") && c.Store.Bucket == "" {
		return fmt.Errorf("%w: %s store needs a bucket", ErrInvalid, c.Store.Kind)
	}
	return nil
}
