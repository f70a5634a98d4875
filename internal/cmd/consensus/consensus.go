// Package consensus parses consensus command flags and launches the
// consensus runtime.
package consensus

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/vaultline/vaultline/internal/platform/cmd"
	consensusapp "github.com/vaultline/vaultline/internal/services/consensus/app"
)

// Config holds consensus command configuration.
type Config struct {
	Port           int           `env:"VAULTLINE_CONSENSUS_PORT" envDefault:"8093"`
	DBPath         string        `env:"VAULTLINE_CONSENSUS_DB_PATH" envDefault:"data/consensus.db"`
	ChallengeTTL   time.Duration `env:"VAULTLINE_CONSENSUS_CHALLENGE_TTL" envDefault:"5m"`
	AllowedOrigins []string      `env:"VAULTLINE_CONSENSUS_ALLOWED_ORIGINS" envSeparator:","`

	ReconcileInterval         time.Duration `env:"VAULTLINE_CONSENSUS_RECONCILE_INTERVAL" envDefault:"30m"`
	FirstEscalationHours      int           `env:"VAULTLINE_CONSENSUS_FIRST_ESCALATION_HOURS" envDefault:"4"`
	SubsequentEscalationHours int           `env:"VAULTLINE_CONSENSUS_SUBSEQUENT_ESCALATION_HOURS" envDefault:"8"`
	MaxEscalationLevels       int           `env:"VAULTLINE_CONSENSUS_MAX_ESCALATION_LEVELS" envDefault:"3"`
	BatchSize                 int           `env:"VAULTLINE_CONSENSUS_BATCH_SIZE" envDefault:"100"`
	ExpirationWarningMinutes  int           `env:"VAULTLINE_CONSENSUS_EXPIRATION_WARNING_MINUTES" envDefault:"60"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The consensus health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The consensus SQLite database path")
	fs.DurationVar(&cfg.ChallengeTTL, "challenge-ttl", cfg.ChallengeTTL, "Proof challenge time to live")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Reconciler run interval")
	fs.IntVar(&cfg.FirstEscalationHours, "first-escalation-hours", cfg.FirstEscalationHours, "Idle hours before the first escalation")
	fs.IntVar(&cfg.SubsequentEscalationHours, "subsequent-escalation-hours", cfg.SubsequentEscalationHours, "Idle hours before later escalations")
	fs.IntVar(&cfg.MaxEscalationLevels, "max-escalation-levels", cfg.MaxEscalationLevels, "Escalation level cap")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Reconciler batch size per pass")
	fs.IntVar(&cfg.ExpirationWarningMinutes, "expiration-warning-minutes", cfg.ExpirationWarningMinutes, "Expiry warning window in minutes")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the consensus runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceConsensus, func(context.Context) error {
		return consensusapp.Run(ctx, consensusapp.RuntimeConfig{
			Port:                      cfg.Port,
			DBPath:                    cfg.DBPath,
			ChallengeTTL:              cfg.ChallengeTTL,
			AllowedOrigins:            cfg.AllowedOrigins,
			ReconcileInterval:         cfg.ReconcileInterval,
			FirstEscalationHours:      cfg.FirstEscalationHours,
			SubsequentEscalationHours: cfg.SubsequentEscalationHours,
			MaxEscalationLevels:       cfg.MaxEscalationLevels,
			BatchSize:                 cfg.BatchSize,
			ExpirationWarningMinutes:  cfg.ExpirationWarningMinutes,
		}, consensusapp.Deps{})
	})
}
