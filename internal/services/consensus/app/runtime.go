package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
	consensussqlite "github.com/vaultline/vaultline/internal/services/consensus/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls consensus startup, dependencies, and the
// reconciler loop.
type RuntimeConfig struct {
	Port           int
	DBPath         string
	ChallengeTTL   time.Duration
	AllowedOrigins []string

	ReconcileInterval         time.Duration
	FirstEscalationHours      int
	SubsequentEscalationHours int
	MaxEscalationLevels       int
	BatchSize                 int
	ExpirationWarningMinutes  int
}

// Deps are the external collaborators the proof verifier delegates to.
// Nil fields disable the corresponding proof types.
type Deps struct {
	Assertions proof.AssertionVerifier
	Certs      proof.CertificateValidator
}

const (
	defaultConsensusPort = 8093
	defaultConsensusDB   = "data/consensus.db"
)

// Run starts the consensus runtime: storage, the orchestrator with its
// proof verifier, a health endpoint, and the reconciler loop.
func Run(ctx context.Context, cfg RuntimeConfig, deps Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultConsensusPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultConsensusDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create consensus storage dir: %w", err)
		}
	}

	store, err := consensussqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open consensus sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close consensus sqlite store: %v", closeErr)
		}
	}()

	challenges := proof.NewChallengeStore(cfg.ChallengeTTL)
	verifier, err := proof.NewVerifier(proof.Config{
		ChallengeTTL:   cfg.ChallengeTTL,
		AllowedOrigins: cfg.AllowedOrigins,
	}, challenges, NewStoreDirectory(store), deps.Assertions, deps.Certs)
	if err != nil {
		return fmt.Errorf("build proof verifier: %w", err)
	}

	orchestrator, err := NewOrchestrator(store, verifier)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	reconciler, err := NewReconciler(store, orchestrator, ReconcilerConfig{
		Interval:                  cfg.ReconcileInterval,
		FirstEscalationHours:      cfg.FirstEscalationHours,
		SubsequentEscalationHours: cfg.SubsequentEscalationHours,
		MaxEscalationLevels:       cfg.MaxEscalationLevels,
		BatchSize:                 cfg.BatchSize,
		ExpirationWarningMinutes:  cfg.ExpirationWarningMinutes,
	})
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on consensus port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("consensus.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("consensus server listening at %v", listener.Addr())
	return reconciler.RunLoop(ctx)
}
