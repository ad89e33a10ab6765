// Package config holds the tunables of the erasure coding layer and loads
// them from YAML files and command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config carries every recognized option. The zero value is not valid; start
// from Default.
type Config struct {
	// PieceCount is k, the number of source pieces a payload is split into.
	PieceCount int `yaml:"piece_count"`
	// RedundancyFactor is r; ceil(k*r) coded pieces are sent per message.
	RedundancyFactor float64 `yaml:"redundancy_factor"`
	// DecoderTimeout bounds how long a receiver collects pieces of one message.
	DecoderTimeout time.Duration `yaml:"decoder_timeout"`
	// SweepInterval is the period of the expiry scan.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	MaxRetryAttempts       int           `yaml:"max_retry_attempts"`
	RetryBaseDelay         time.Duration `yaml:"retry_base_delay"`
	RetryBackoffMultiplier float64       `yaml:"retry_backoff_multiplier"`
	RetryMaxDelay          time.Duration `yaml:"retry_max_delay"`

	CompressionEnabled bool `yaml:"compression_enabled"`
	// CompressionLevel follows zlib: -1 for the default, 0 to 9 otherwise.
	CompressionLevel int `yaml:"compression_level"`

	MaxConcurrentPublishes int `yaml:"max_concurrent_publishes"`
	// MaxPieceSize is the encoded size ceiling of one piece, header included.
	MaxPieceSize int `yaml:"max_piece_size"`
	// AdaptivePieceCount raises k for payloads that would not fit otherwise.
	AdaptivePieceCount bool `yaml:"adaptive_piece_count"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PieceCount:             8,
		RedundancyFactor:       1.5,
		DecoderTimeout:         30 * time.Second,
		SweepInterval:          5 * time.Second,
		MaxRetryAttempts:       5,
		RetryBaseDelay:         100 * time.Millisecond,
		RetryBackoffMultiplier: 2.0,
		RetryMaxDelay:          30 * time.Second,
		CompressionEnabled:     true,
		CompressionLevel:       6,
		MaxConcurrentPublishes: 16,
		MaxPieceSize:           900,
		AdaptivePieceCount:     false,
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every option against its allowed range.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.PieceCount >= 2 && c.PieceCount <= math.MaxUint16,
		"piece_count must be between 2 and %d: %d", math.MaxUint16, c.PieceCount)
	check(c.RedundancyFactor >= 1 && !math.IsInf(c.RedundancyFactor, 0),
		"redundancy_factor must be at least 1: %v", c.RedundancyFactor)
	check(c.DecoderTimeout > 0, "decoder_timeout must be positive: %v", c.DecoderTimeout)
	check(c.SweepInterval > 0, "sweep_interval must be positive: %v", c.SweepInterval)
	check(c.MaxRetryAttempts >= 1, "max_retry_attempts must be at least 1: %d", c.MaxRetryAttempts)
	check(c.RetryBaseDelay > 0, "retry_base_delay must be positive: %v", c.RetryBaseDelay)
	check(c.RetryBackoffMultiplier >= 1, "retry_backoff_multiplier must be at least 1: %v", c.RetryBackoffMultiplier)
	check(c.RetryMaxDelay >= c.RetryBaseDelay,
		"retry_max_delay %v must not be below retry_base_delay %v", c.RetryMaxDelay, c.RetryBaseDelay)
	check(c.CompressionLevel >= -1 && c.CompressionLevel <= 9,
		"compression_level must be between -1 and 9: %d", c.CompressionLevel)
	check(c.MaxConcurrentPublishes >= 1,
		"max_concurrent_publishes must be at least 1: %d", c.MaxConcurrentPublishes)
	check(c.MaxPieceSize > 0, "max_piece_size must be positive: %d", c.MaxPieceSize)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RegisterFlags binds every option to a flag on fs, using the current values
// as defaults. Parsing fs afterwards overrides the corresponding fields.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.PieceCount, "piece-count", c.PieceCount, "number of source pieces k per message")
	fs.Float64Var(&c.RedundancyFactor, "redundancy", c.RedundancyFactor, "redundancy factor r, ceil(k*r) pieces are sent")
	fs.DurationVar(&c.DecoderTimeout, "decoder-timeout", c.DecoderTimeout, "how long a receiver waits for the pieces of a message")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "period of the expired session scan")
	fs.IntVar(&c.MaxRetryAttempts, "max-retry-attempts", c.MaxRetryAttempts, "send attempts per piece on throttling")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "delay before the first retry")
	fs.Float64Var(&c.RetryBackoffMultiplier, "retry-backoff-multiplier", c.RetryBackoffMultiplier, "growth factor of retry delays")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", c.RetryMaxDelay, "upper bound of a retry delay")
	fs.BoolVar(&c.CompressionEnabled, "compression", c.CompressionEnabled, "compress payloads before encoding")
	fs.IntVar(&c.CompressionLevel, "compression-level", c.CompressionLevel, "zlib compression level")
	fs.IntVar(&c.MaxConcurrentPublishes, "max-concurrent-publishes", c.MaxConcurrentPublishes, "ceiling on outstanding publishes")
	fs.IntVar(&c.MaxPieceSize, "max-piece-size", c.MaxPieceSize, "encoded piece size ceiling in bytes")
	fs.BoolVar(&c.AdaptivePieceCount, "adaptive-piece-count", c.AdaptivePieceCount, "raise k when a payload does not fit")
}
