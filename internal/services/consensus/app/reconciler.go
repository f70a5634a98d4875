package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

// ReconcilerConfig tunes the maintenance passes. Updates apply live and
// take effect on the next run.
type ReconcilerConfig struct {
	Interval                  time.Duration
	FirstEscalationHours      int
	SubsequentEscalationHours int
	MaxEscalationLevels       int
	BatchSize                 int
	ExpirationWarningMinutes  int
}

func (c ReconcilerConfig) normalized() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.FirstEscalationHours <= 0 {
		c.FirstEscalationHours = 4
	}
	if c.SubsequentEscalationHours <= 0 {
		c.SubsequentEscalationHours = 8
	}
	if c.MaxEscalationLevels <= 0 {
		c.MaxEscalationLevels = wallet.MaxEscalationLevels
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ExpirationWarningMinutes <= 0 {
		c.ExpirationWarningMinutes = 60
	}
	return c
}

// Report summarizes one reconciliation run.
type Report struct {
	Skipped             bool
	CheckedOperations   int
	EscalatedOperations int
	ExpiredOperations   int
	ExpiringWarnings    int
	IntegrityViolations int
	Errors              int
}

// Reconciler is the scheduled maintenance job: it escalates stalled
// operations, expires overdue ones, warns about operations nearing their
// deadline, and samples the audit trail for chain integrity. Runs are
// single-flight; an overlapping trigger is skipped, not queued.
type Reconciler struct {
	store        storage.Store
	orchestrator *Orchestrator
	now          func() time.Time

	mu  sync.Mutex
	cfg ReconcilerConfig

	running atomic.Bool
}

// NewReconciler wires the maintenance job.
func NewReconciler(store storage.Store, orchestrator *Orchestrator, cfg ReconcilerConfig) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	return &Reconciler{
		store:        store,
		orchestrator: orchestrator,
		now:          time.Now,
		cfg:          cfg.normalized(),
	}, nil
}

// WithClock overrides the reconciler clock. Intended for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// UpdateConfig applies new settings, effective on the next run.
func (r *Reconciler) UpdateConfig(cfg ReconcilerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.normalized()
}

func (r *Reconciler) config() ReconcilerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// RunLoop runs once at startup, then on the configured interval until the
// context is canceled.
func (r *Reconciler) RunLoop(ctx context.Context) error {
	report := r.Run(ctx)
	log.Printf("consensus reconcile: checked=%d escalated=%d expired=%d warnings=%d violations=%d errors=%d",
		report.CheckedOperations, report.EscalatedOperations, report.ExpiredOperations,
		report.ExpiringWarnings, report.IntegrityViolations, report.Errors)

	ticker := time.NewTicker(r.config().Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report := r.Run(ctx)
			if report.Skipped {
				continue
			}
			log.Printf("consensus reconcile: checked=%d escalated=%d expired=%d warnings=%d violations=%d errors=%d",
				report.CheckedOperations, report.EscalatedOperations, report.ExpiredOperations,
				report.ExpiringWarnings, report.IntegrityViolations, report.Errors)
			ticker.Reset(r.config().Interval)
		}
	}
}

// Run executes one reconciliation cycle. Per-item failures are counted
// and logged but never abort the batch.
func (r *Reconciler) Run(ctx context.Context) Report {
	if !r.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}
	}
	defer r.running.Store(false)

	cfg := r.config()
	now := r.now().UTC()
	var report Report

	r.escalateStalled(ctx, cfg, now, &report)
	r.expireOverdue(ctx, cfg, now, &report)
	r.warnExpiringSoon(ctx, cfg, now, &report)
	r.sampleIntegrity(ctx, cfg, now, &report)

	name := EventReconcileComplete
	if report.Errors > 0 {
		name = EventReconcileError
	}
	r.emitRunEvent(ctx, name, report, now)

	return report
}

// escalateStalled raises attention on pending operations idle past the
// level-aware threshold: level 0 waits FirstEscalationHours since the
// last action, later levels wait SubsequentEscalationHours.
func (r *Reconciler) escalateStalled(ctx context.Context, cfg ReconcilerConfig, now time.Time, report *Report) {
	first := time.Duration(cfg.FirstEscalationHours) * time.Hour
	subsequent := time.Duration(cfg.SubsequentEscalationHours) * time.Hour
	shortest := first
	if subsequent < shortest {
		shortest = subsequent
	}

	candidates, err := r.store.ListStalledPending(ctx, now.Add(-shortest), cfg.BatchSize)
	if err != nil {
		log.Printf("consensus reconcile: list stalled: %v", err)
		report.Errors++
		return
	}

	for _, op := range candidates {
		report.CheckedOperations++
		threshold := first
		if op.EscalationLevel >= 1 {
			threshold = subsequent
		}
		idle := now.Sub(op.LastActionAt())
		if idle < threshold {
			continue
		}
		if op.EscalationLevel >= cfg.MaxEscalationLevels {
			continue
		}
		reason := fmt.Sprintf("pending for %s without sufficient signatures", idle.Truncate(time.Minute))
		result, err := r.orchestrator.Escalate(ctx, op.OperationID, reason, cfg.MaxEscalationLevels)
		if err != nil {
			log.Printf("consensus reconcile: escalate %s: %v", op.OperationID, err)
			report.Errors++
			continue
		}
		if result.Escalated {
			report.EscalatedOperations++
		}
	}
}

// expireOverdue transitions pending operations past their deadline.
func (r *Reconciler) expireOverdue(ctx context.Context, cfg ReconcilerConfig, now time.Time, report *Report) {
	overdue, err := r.store.ListPendingExpiredBefore(ctx, now, cfg.BatchSize)
	if err != nil {
		log.Printf("consensus reconcile: list expired: %v", err)
		report.Errors++
		return
	}

	for _, op := range overdue {
		report.CheckedOperations++
		if _, err := r.orchestrator.Expire(ctx, op.OperationID); err != nil {
			// A signature or veto racing this pass can resolve the
			// operation first; that is not a reconciler failure.
			if apperrors.HasCode(err, apperrors.CodeOperationInvalidTransition) {
				continue
			}
			log.Printf("consensus reconcile: expire %s: %v", op.OperationID, err)
			report.Errors++
			continue
		}
		report.ExpiredOperations++
	}
}

// warnExpiringSoon emits advisory events for pending operations whose
// deadline falls within the warning window. Read-only apart from the
// event rows.
func (r *Reconciler) warnExpiringSoon(ctx context.Context, cfg ReconcilerConfig, now time.Time, report *Report) {
	window := time.Duration(cfg.ExpirationWarningMinutes) * time.Minute
	expiring, err := r.store.ListPendingExpiringBetween(ctx, now, now.Add(window), cfg.BatchSize)
	if err != nil {
		log.Printf("consensus reconcile: list expiring: %v", err)
		report.Errors++
		return
	}

	for _, op := range expiring {
		report.CheckedOperations++
		outstanding, err := r.outstandingSigners(ctx, op)
		if err != nil {
			log.Printf("consensus reconcile: expiring %s: %v", op.OperationID, err)
			report.Errors++
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"minutes_remaining":   int(op.ExpiresAt.Sub(now).Minutes()),
			"outstanding_signers": outstanding,
			"collected":           op.VerifiedSignatureCount(),
			"required":            op.RequiredSignatures,
		})
		if err != nil {
			report.Errors++
			continue
		}
		if err := r.store.EnqueueEvent(ctx, storage.Event{
			Name:        EventOperationExpiringSoon,
			OperationID: op.OperationID,
			WorkspaceID: op.WorkspaceID,
			Payload:     payload,
		}); err != nil {
			log.Printf("consensus reconcile: warn %s: %v", op.OperationID, err)
			report.Errors++
			continue
		}
		report.ExpiringWarnings++
	}
}

func (r *Reconciler) outstandingSigners(ctx context.Context, op wallet.Operation) ([]string, error) {
	w, err := r.store.GetWallet(ctx, op.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return op.OutstandingSigners(&w), nil
}

// sampleIntegrity verifies the audit chain of a random sample of recent
// operations: min(10, ceil(10%)) of the ids touched in the last week.
// Violations are surfaced, never auto-remediated.
func (r *Reconciler) sampleIntegrity(ctx context.Context, cfg ReconcilerConfig, now time.Time, report *Report) {
	ids, err := r.store.ListRecentOperationIDs(ctx, now.Add(-7*24*time.Hour), cfg.BatchSize)
	if err != nil {
		log.Printf("consensus reconcile: list recent: %v", err)
		report.Errors++
		return
	}
	if len(ids) == 0 {
		return
	}

	sampleSize := int(math.Ceil(float64(len(ids)) * 0.10))
	if sampleSize > 10 {
		sampleSize = 10
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	for _, operationID := range ids[:sampleSize] {
		report.CheckedOperations++
		verdict, err := r.store.VerifyChainIntegrity(ctx, operationID)
		if err != nil {
			log.Printf("consensus reconcile: verify chain %s: %v", operationID, err)
			report.Errors++
			continue
		}
		if verdict.Valid {
			continue
		}
		report.IntegrityViolations++
		log.Printf("consensus reconcile: integrity violation on %s at trace %s: %s",
			operationID, verdict.TraceID, verdict.Reason)
		payload, err := json.Marshal(map[string]any{
			"trace_id": verdict.TraceID,
			"reason":   verdict.Reason,
		})
		if err != nil {
			report.Errors++
			continue
		}
		if err := r.store.EnqueueEvent(ctx, storage.Event{
			Name:        EventIntegrityViolation,
			OperationID: operationID,
			Payload:     payload,
		}); err != nil {
			report.Errors++
		}
	}
}

func (r *Reconciler) emitRunEvent(ctx context.Context, name string, report Report, now time.Time) {
	payload, err := json.Marshal(map[string]any{
		"checked":    report.CheckedOperations,
		"escalated":  report.EscalatedOperations,
		"expired":    report.ExpiredOperations,
		"warnings":   report.ExpiringWarnings,
		"violations": report.IntegrityViolations,
		"errors":     report.Errors,
		"ran_at":     now.Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := r.store.EnqueueEvent(ctx, storage.Event{Name: name, Payload: payload}); err != nil {
		log.Printf("consensus reconcile: enqueue %s: %v", name, err)
	}
}
