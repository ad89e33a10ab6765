package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.PieceCount != 8 || cfg.RedundancyFactor != 1.5 || cfg.DecoderTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
piece_count: 16
redundancy_factor: 2
decoder_timeout: 1m
retry_base_delay: 250ms
compression_enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PieceCount != 16 || cfg.RedundancyFactor != 2 {
		t.Fatalf("unexpected coding options %+v", cfg)
	}
	if cfg.DecoderTimeout != time.Minute || cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Fatalf("unexpected durations %v %v", cfg.DecoderTimeout, cfg.RetryBaseDelay)
	}
	if cfg.CompressionEnabled {
		t.Fatal("compression should be disabled")
	}
	// Options missing from the file keep their defaults
	if cfg.MaxRetryAttempts != 5 || cfg.MaxPieceSize != 900 {
		t.Fatalf("defaults were lost %+v", cfg)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != *Default() {
		t.Fatal("empty input should yield the defaults")
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "piece_cont: 4\n",
		"bad duration": "decoder_timeout: soon\n",
		"bad type":     "piece_count: many\n",
		"out of range": "piece_count: 1\n",
		"bad level":    "compression_level: 12\n",
		"small max":    "retry_base_delay: 1s\nretry_max_delay: 10ms\n",
	}
	for name, input := range tests {
		if _, err := Parse([]byte(input)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.PieceCount = 0
	cfg.RedundancyFactor = 0.5
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "piece_count") || !strings.Contains(err.Error(), "redundancy_factor") {
		t.Fatalf("both problems should be reported: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecpubsub.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_publishes: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentPublishes != 4 {
		t.Fatalf("expected 4, got %d", cfg.MaxConcurrentPublishes)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}

func TestRegisterFlags(t *testing.T) {
	cfg := Default()
	cfg.PieceCount = 12

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"--redundancy=3", "--decoder-timeout=2s", "--compression=false"}); err != nil {
		t.Fatal(err)
	}
	if cfg.RedundancyFactor != 3 || cfg.DecoderTimeout != 2*time.Second || cfg.CompressionEnabled {
		t.Fatalf("flags not applied %+v", cfg)
	}
	// Values set before registration are the flag defaults
	if cfg.PieceCount != 12 {
		t.Fatalf("expected piece count 12, got %d", cfg.PieceCount)
	}
	if got := fs.Lookup("piece-count").DefValue; got != "12" {
		t.Fatalf("unexpected flag default %s", got)
	}
}
