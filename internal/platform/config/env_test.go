package config

import (
	"testing"
	"time"
)

func TestParseEnvDefaults(t *testing.T) {
	type cfg struct {
		Interval time.Duration `env:"VAULTLINE_TEST_INTERVAL" envDefault:"30m"`
		Batch    int           `env:"VAULTLINE_TEST_BATCH" envDefault:"100"`
	}
	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Interval != 30*time.Minute {
		t.Fatalf("expected 30m default, got %v", c.Interval)
	}
	if c.Batch != 100 {
		t.Fatalf("expected batch 100, got %d", c.Batch)
	}
}

func TestParseEnvOverride(t *testing.T) {
	type cfg struct {
		Batch int `env:"VAULTLINE_TEST_BATCH_OVERRIDE" envDefault:"100"`
	}
	t.Setenv("VAULTLINE_TEST_BATCH_OVERRIDE", "25")
	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Batch != 25 {
		t.Fatalf("expected batch 25, got %d", c.Batch)
	}
}
