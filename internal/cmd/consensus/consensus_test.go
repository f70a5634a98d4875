package consensus

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("consensus", flag.ContinueOnError)
	t.Setenv("VAULTLINE_CONSENSUS_PORT", "9093")
	t.Setenv("VAULTLINE_CONSENSUS_ALLOWED_ORIGINS", "https://vault.example,https://admin.vault.example")

	cfg, err := ParseConfig(fs, []string{"-first-escalation-hours", "2", "-batch-size", "25"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9093 {
		t.Fatalf("port = %d, want 9093", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://vault.example" {
		t.Fatalf("allowed origins = %v", cfg.AllowedOrigins)
	}
	if cfg.FirstEscalationHours != 2 {
		t.Fatalf("first escalation hours = %d, want 2", cfg.FirstEscalationHours)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("batch size = %d, want 25", cfg.BatchSize)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("consensus", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8093 {
		t.Fatalf("port = %d, want 8093", cfg.Port)
	}
	if cfg.DBPath != "data/consensus.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.ChallengeTTL != 5*time.Minute {
		t.Fatalf("challenge ttl = %s, want 5m", cfg.ChallengeTTL)
	}
	if cfg.ReconcileInterval != 30*time.Minute {
		t.Fatalf("reconcile interval = %s, want 30m", cfg.ReconcileInterval)
	}
	if cfg.SubsequentEscalationHours != 8 {
		t.Fatalf("subsequent escalation hours = %d, want 8", cfg.SubsequentEscalationHours)
	}
	if cfg.MaxEscalationLevels != 3 {
		t.Fatalf("max escalation levels = %d, want 3", cfg.MaxEscalationLevels)
	}
	if cfg.ExpirationWarningMinutes != 60 {
		t.Fatalf("expiration warning minutes = %d, want 60", cfg.ExpirationWarningMinutes)
	}
}
