// Package app wires the consensus core: the orchestrator state machine,
// the scheduled reconciler, and the service runtime.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/platform/id"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

// Outbound event names.
const (
	EventOperationInitiated    = "consensus.operation_initiated"
	EventSignatureSubmitted    = "consensus.signature_submitted"
	EventQuorumReached         = "consensus.quorum_reached"
	EventOperationRejected     = "consensus.operation_rejected"
	EventOperationExecuted     = "consensus.operation_executed"
	EventOperationEscalated    = "consensus.operation_escalated"
	EventOperationExpired      = "consensus.operation_expired"
	EventOperationExpiringSoon = "consensus.operation_expiring_soon"
	EventIntegrityViolation    = "consensus.integrity_violation"
	EventReconcileComplete     = "consensus.reconciliation_complete"
	EventReconcileError        = "consensus.reconciliation_error"
)

// maxSaveAttempts bounds the optimistic-concurrency retry loop. Each
// attempt reloads the operation, so a loser of a version race re-evaluates
// its mutation against the winner's state.
const maxSaveAttempts = 3

// Orchestrator drives quorum-gated operations through the consensus state
// machine. Every mutation is persisted under optimistic concurrency and
// leaves exactly one audit record behind.
type Orchestrator struct {
	store    storage.Store
	verifier *proof.Verifier
	now      func() time.Time
}

// NewOrchestrator wires the state-machine core.
func NewOrchestrator(store storage.Store, verifier *proof.Verifier) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("proof verifier is required")
	}
	return &Orchestrator{
		store:    store,
		verifier: verifier,
		now:      time.Now,
	}, nil
}

// WithClock overrides the orchestrator clock. Intended for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// InitiateRequest asks for a new quorum-gated operation.
type InitiateRequest struct {
	WorkspaceID   string
	OperationType wallet.OperationType
	Payload       []byte
	Amount        int64
	InitiatorID   string
	Override      *wallet.PolicyOverride
}

// SubmitSignatureRequest carries one signer's approval attempt.
type SubmitSignatureRequest struct {
	OperationID       string
	SignerID          string
	ProofType         proof.Type
	ProofData         []byte
	DeviceFingerprint string
	IPAddress         string
}

// OperationSummary is the quorum progress view consumed by the upstream
// interception layer.
type OperationSummary struct {
	OperationID         string
	WorkspaceID         string
	Status              wallet.Status
	RequiredSignatures  int
	CollectedSignatures int
	RemainingNeeded     int
	ExpiresAt           time.Time
	ThresholdPercent    float64
}

// ExecutionResult hands the approved payload to the external settlement
// system.
type ExecutionResult struct {
	OperationID   string
	Status        wallet.Status
	OperationType wallet.OperationType
	Payload       []byte
}

// EscalationResult reports the escalation state after an escalate call.
type EscalationResult struct {
	OperationID        string
	EscalationLevel    int
	PendingSignerCount int
	Escalated          bool
}

// MultiSigRequirement is the advisory answer for the upstream layer.
type MultiSigRequirement struct {
	Required  bool
	Threshold int64
	Quorum    wallet.Quorum
}

func summarize(op wallet.Operation) OperationSummary {
	return OperationSummary{
		OperationID:         op.OperationID,
		WorkspaceID:         op.WorkspaceID,
		Status:              op.Status,
		RequiredSignatures:  op.RequiredSignatures,
		CollectedSignatures: op.VerifiedSignatureCount(),
		RemainingNeeded:     op.RemainingNeeded(),
		ExpiresAt:           op.ExpiresAt,
		ThresholdPercent:    thresholdPercent(op.RequiredSignatures, op.TotalEligibleSigners),
	}
}

func thresholdPercent(m, n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(m) / float64(n) * 100
}

// Initiate creates a PENDING operation after resolving its quorum
// requirement from wallet policy.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (OperationSummary, error) {
	w, err := o.store.GetWallet(ctx, req.WorkspaceID)
	if err != nil {
		return OperationSummary{}, err
	}
	if !w.IsActive {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeWalletInactive, "wallet is not active", map[string]string{
			"workspace_id": req.WorkspaceID,
		})
	}
	signer, ok := w.SignerByID(req.InitiatorID)
	if !ok {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeSignerNotAuthorized, "initiator is not on the signer roster", map[string]string{
			"workspace_id": req.WorkspaceID,
			"user_id":      req.InitiatorID,
		})
	}
	if !signer.CanInitiate {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeInitiateNotAllowed, "signer may not initiate operations", map[string]string{
			"user_id": req.InitiatorID,
		})
	}

	quorum := wallet.ResolveQuorum(&w, req.Amount, req.OperationType, req.Override)
	if quorum.N < 1 {
		return OperationSummary{}, apperrors.New(apperrors.CodeQuorumInvalid, "wallet has no eligible signers")
	}

	operationID, err := id.NewOperationID(req.WorkspaceID, string(req.OperationType))
	if err != nil {
		return OperationSummary{}, fmt.Errorf("new operation id: %w", err)
	}

	now := o.now().UTC()
	op := wallet.Operation{
		OperationID:          operationID,
		WorkspaceID:          req.WorkspaceID,
		OperationType:        req.OperationType,
		Payload:              req.Payload,
		Amount:               req.Amount,
		InitiatedBy:          req.InitiatorID,
		InitiatedAt:          now,
		RequiredSignatures:   quorum.M,
		TotalEligibleSigners: quorum.N,
		RequiredProofTypes:   quorum.RequiredProofTypes,
		Status:               wallet.StatusPending,
		ExpiresAt:            now.Add(time.Duration(quorum.MaxApprovalHours) * time.Hour),
		Version:              1,
	}
	if err := o.store.CreateOperation(ctx, op); err != nil {
		return OperationSummary{}, err
	}

	if err := o.store.BumpWalletStats(ctx, w.WorkspaceID, wallet.StatsDelta{Initiated: 1}); err != nil {
		return OperationSummary{}, err
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: op.OperationID,
		WorkspaceID: op.WorkspaceID,
		Action:      storage.ActionInitiation,
		ActorID:     req.InitiatorID,
		Detail: map[string]any{
			"operation_type":    string(op.OperationType),
			"amount":            op.Amount,
			"required":          op.RequiredSignatures,
			"eligible":          op.TotalEligibleSigners,
			"threshold_percent": quorum.ThresholdPercent,
			"expires_at":        op.ExpiresAt.Format(time.RFC3339),
		},
		RecordedAt: now,
	}); err != nil {
		return OperationSummary{}, fmt.Errorf("record initiation: %w", err)
	}

	if err := o.emit(ctx, EventOperationInitiated, op, map[string]any{
		"operation_type": string(op.OperationType),
		"amount":         op.Amount,
		"required":       op.RequiredSignatures,
		"eligible":       op.TotalEligibleSigners,
		"expires_at":     op.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return OperationSummary{}, err
	}

	return summarize(op), nil
}

// SubmitSignature verifies a signer's proof and, on success, appends the
// signature and re-evaluates quorum transactionally against the
// post-append state. A verification failure leaves the operation PENDING
// and is recorded as a distinct failed-signature audit entry.
func (o *Orchestrator) SubmitSignature(ctx context.Context, req SubmitSignatureRequest) (OperationSummary, error) {
	op, err := o.store.GetOperation(ctx, req.OperationID)
	if err != nil {
		return OperationSummary{}, err
	}
	w, err := o.store.GetWallet(ctx, op.WorkspaceID)
	if err != nil {
		return OperationSummary{}, err
	}
	signer, ok := w.SignerByID(req.SignerID)
	if !ok {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeSignerNotAuthorized, "signer is not on the signer roster", map[string]string{
			"operation_id": req.OperationID,
			"user_id":      req.SignerID,
		})
	}
	if !signer.CanApprove {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeApproveNotAllowed, "signer may not approve operations", map[string]string{
			"user_id": req.SignerID,
		})
	}
	now := o.now().UTC()
	if op.Status != wallet.StatusPending {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeOperationNotPending, "operation is not pending", map[string]string{
			"operation_id": op.OperationID,
			"status":       string(op.Status),
		})
	}
	if op.IsExpiredAt(now) {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeOperationExpired, "operation deadline has passed", map[string]string{
			"operation_id": op.OperationID,
		})
	}
	if op.HasSignatureFrom(req.SignerID) {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeOperationAlreadySigned, "signer already contributed a signature", map[string]string{
			"operation_id": op.OperationID,
			"signer_id":    req.SignerID,
		})
	}
	if !op.ProofTypeAllowed(req.ProofType) {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeProofTypeNotRequired, "proof type does not satisfy the operation policy", map[string]string{
			"operation_id": op.OperationID,
			"proof_type":   string(req.ProofType),
		})
	}

	result, err := o.verifier.Verify(ctx, proof.Request{
		UserID:      req.SignerID,
		ProofType:   req.ProofType,
		ProofData:   req.ProofData,
		OperationID: op.OperationID,
		Payload:     op.Payload,
	})
	if err != nil {
		o.recordFailedSignature(ctx, op, req, now, err.Error())
		return OperationSummary{}, err
	}
	if !result.Valid {
		o.recordFailedSignature(ctx, op, req, now, result.Reason)
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeProofRejected, "proof verification failed", map[string]string{
			"operation_id": op.OperationID,
			"signer_id":    req.SignerID,
			"reason":       result.Reason,
		})
	}

	sig := wallet.Signature{
		SignerID:           req.SignerID,
		SignedAt:           now,
		SignatureHash:      result.ProofHash,
		ProofType:          req.ProofType,
		DeviceFingerprint:  req.DeviceFingerprint,
		IPAddress:          req.IPAddress,
		Verified:           true,
		VerifiedAt:         now,
		VerificationMethod: result.Method,
	}

	var reachedQuorum bool
	saved, err := o.mutateOperation(ctx, op.OperationID, func(op *wallet.Operation) error {
		reachedQuorum = false
		reached, err := op.AppendSignature(sig, now)
		if err != nil {
			return err
		}
		if reached {
			op.SignatureRoot = aggregateRoot(op.Signatures)
			reachedQuorum = true
		}
		return nil
	})
	if err != nil {
		return OperationSummary{}, err
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: saved.OperationID,
		WorkspaceID: saved.WorkspaceID,
		Action:      storage.ActionSignature,
		ActorID:     req.SignerID,
		Detail: map[string]any{
			"proof_type":     string(req.ProofType),
			"method":         result.Method,
			"collected":      saved.VerifiedSignatureCount(),
			"required":       saved.RequiredSignatures,
			"remaining":      saved.RemainingNeeded(),
			"quorum_reached": reachedQuorum,
		},
		RecordedAt: now,
	}); err != nil {
		return OperationSummary{}, fmt.Errorf("record signature: %w", err)
	}

	if err := o.emit(ctx, EventSignatureSubmitted, saved, map[string]any{
		"signer_id": req.SignerID,
		"collected": saved.VerifiedSignatureCount(),
		"required":  saved.RequiredSignatures,
		"remaining": saved.RemainingNeeded(),
	}); err != nil {
		return OperationSummary{}, err
	}

	if reachedQuorum {
		if err := o.recordApproval(ctx, saved); err != nil {
			return OperationSummary{}, err
		}
		if err := o.emit(ctx, EventQuorumReached, saved, map[string]any{
			"resolved_by":    saved.ResolvedBy,
			"signature_root": saved.SignatureRoot,
			"collected":      saved.VerifiedSignatureCount(),
			"required":       saved.RequiredSignatures,
		}); err != nil {
			return OperationSummary{}, err
		}
	}

	return summarize(saved), nil
}

func aggregateRoot(signatures []wallet.Signature) string {
	entries := make([]proof.AggregateEntry, 0, len(signatures))
	for _, sig := range signatures {
		if !sig.Verified {
			continue
		}
		entries = append(entries, proof.AggregateEntry{
			SignerID:      sig.SignerID,
			SignatureHash: sig.SignatureHash,
		})
	}
	return proof.AggregateSignatures(entries)
}

// recordFailedSignature preserves the forensic history of rejected
// attempts. Failures here are logged into the error path by callers;
// the operation itself is untouched.
func (o *Orchestrator) recordFailedSignature(ctx context.Context, op wallet.Operation, req SubmitSignatureRequest, now time.Time, reason string) {
	_, _ = o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: op.OperationID,
		WorkspaceID: op.WorkspaceID,
		Action:      storage.ActionFailedSignature,
		ActorID:     req.SignerID,
		Detail: map[string]any{
			"proof_type": string(req.ProofType),
			"reason":     reason,
		},
		RecordedAt: now,
	})
}

func (o *Orchestrator) recordApproval(ctx context.Context, op wallet.Operation) error {
	delta := wallet.StatsDelta{Approved: 1}
	if op.ResolvedAt != nil {
		delta.ApprovalTime = op.ResolvedAt.Sub(op.InitiatedAt)
	}
	if err := o.store.BumpWalletStats(ctx, op.WorkspaceID, delta); err != nil {
		return fmt.Errorf("bump wallet stats: %w", err)
	}
	return nil
}

// Reject records an objection. OWNER and ADMIN rejections are a unilateral
// veto resolving the operation as REJECTED; other roles are recorded
// without a status change.
func (o *Orchestrator) Reject(ctx context.Context, operationID, userID, reason string) (OperationSummary, error) {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return OperationSummary{}, err
	}
	w, err := o.store.GetWallet(ctx, op.WorkspaceID)
	if err != nil {
		return OperationSummary{}, err
	}
	signer, ok := w.SignerByID(userID)
	if !ok {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeSignerNotAuthorized, "signer is not on the signer roster", map[string]string{
			"operation_id": operationID,
			"user_id":      userID,
		})
	}
	if !signer.CanReject {
		return OperationSummary{}, apperrors.WithMetadata(apperrors.CodeRejectNotAllowed, "signer may not reject operations", map[string]string{
			"user_id": userID,
		})
	}

	now := o.now().UTC()
	rej := wallet.Rejection{
		UserID:     userID,
		Reason:     strings.TrimSpace(reason),
		RejectedAt: now,
		Privileged: signer.Role.IsPrivileged(),
	}

	var vetoed bool
	saved, err := o.mutateOperation(ctx, operationID, func(op *wallet.Operation) error {
		resolved, err := op.AppendRejection(rej, now)
		if err != nil {
			return err
		}
		vetoed = resolved
		return nil
	})
	if err != nil {
		return OperationSummary{}, err
	}

	if vetoed {
		if err := o.store.BumpWalletStats(ctx, w.WorkspaceID, wallet.StatsDelta{Rejected: 1}); err != nil {
			return OperationSummary{}, err
		}
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: saved.OperationID,
		WorkspaceID: saved.WorkspaceID,
		Action:      storage.ActionRejection,
		ActorID:     userID,
		Detail: map[string]any{
			"reason":     rej.Reason,
			"privileged": rej.Privileged,
			"vetoed":     vetoed,
		},
		RecordedAt: now,
	}); err != nil {
		return OperationSummary{}, fmt.Errorf("record rejection: %w", err)
	}

	if err := o.emit(ctx, EventOperationRejected, saved, map[string]any{
		"user_id":    userID,
		"reason":     rej.Reason,
		"privileged": rej.Privileged,
		"status":     string(saved.Status),
	}); err != nil {
		return OperationSummary{}, err
	}

	return summarize(saved), nil
}

// Execute hands an APPROVED operation to the external settlement system
// and marks it EXECUTED.
func (o *Orchestrator) Execute(ctx context.Context, operationID, executorID string) (ExecutionResult, error) {
	now := o.now().UTC()
	saved, err := o.mutateOperation(ctx, operationID, func(op *wallet.Operation) error {
		return op.MarkExecuted(executorID, now)
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: saved.OperationID,
		WorkspaceID: saved.WorkspaceID,
		Action:      storage.ActionExecution,
		ActorID:     executorID,
		Detail: map[string]any{
			"operation_type": string(saved.OperationType),
		},
		RecordedAt: now,
	}); err != nil {
		return ExecutionResult{}, fmt.Errorf("record execution: %w", err)
	}

	if err := o.emit(ctx, EventOperationExecuted, saved, map[string]any{
		"executor_id":    executorID,
		"operation_type": string(saved.OperationType),
		"payload":        json.RawMessage(payloadOrEmpty(saved.Payload)),
	}); err != nil {
		return ExecutionResult{}, err
	}

	return ExecutionResult{
		OperationID:   saved.OperationID,
		Status:        saved.Status,
		OperationType: saved.OperationType,
		Payload:       saved.Payload,
	}, nil
}

func payloadOrEmpty(payload []byte) []byte {
	if len(payload) == 0 || !json.Valid(payload) {
		return []byte("null")
	}
	return payload
}

// Escalate raises a stalled operation's escalation level, snapshotting
// the signers who have not yet contributed. maxLevels caps the level
// (wallet.MaxEscalationLevels when non-positive). Resolved operations
// and operations at the cap are a no-op with Escalated=false.
func (o *Orchestrator) Escalate(ctx context.Context, operationID, reason string, maxLevels int) (EscalationResult, error) {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return EscalationResult{}, err
	}
	w, err := o.store.GetWallet(ctx, op.WorkspaceID)
	if err != nil {
		return EscalationResult{}, err
	}

	now := o.now().UTC()
	var escalated bool
	var pendingSigners []string
	saved, err := o.mutateOperation(ctx, operationID, func(op *wallet.Operation) error {
		pendingSigners = op.OutstandingSigners(&w)
		escalated = op.Escalate(reason, pendingSigners, maxLevels, now)
		return nil
	})
	if err != nil {
		return EscalationResult{}, err
	}
	if !escalated {
		return EscalationResult{
			OperationID:        saved.OperationID,
			EscalationLevel:    saved.EscalationLevel,
			PendingSignerCount: len(pendingSigners),
		}, nil
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: saved.OperationID,
		WorkspaceID: saved.WorkspaceID,
		Action:      storage.ActionEscalation,
		ActorID:     "",
		Detail: map[string]any{
			"level":           saved.EscalationLevel,
			"reason":          reason,
			"pending_signers": pendingSigners,
		},
		RecordedAt: now,
	}); err != nil {
		return EscalationResult{}, fmt.Errorf("record escalation: %w", err)
	}

	if err := o.emit(ctx, EventOperationEscalated, saved, map[string]any{
		"level":           saved.EscalationLevel,
		"reason":          reason,
		"pending_signers": pendingSigners,
	}); err != nil {
		return EscalationResult{}, err
	}

	return EscalationResult{
		OperationID:        saved.OperationID,
		EscalationLevel:    saved.EscalationLevel,
		PendingSignerCount: len(pendingSigners),
		Escalated:          true,
	}, nil
}

// Expire transitions an overdue PENDING operation to EXPIRED, freezing a
// quorum snapshot into the audit record. Called by the reconciler; expiry
// is time-triggered and independent of quorum progress.
func (o *Orchestrator) Expire(ctx context.Context, operationID string) (OperationSummary, error) {
	now := o.now().UTC()
	saved, err := o.mutateOperation(ctx, operationID, func(op *wallet.Operation) error {
		if !op.IsExpiredAt(now) {
			return apperrors.WithMetadata(apperrors.CodeOperationInvalidTransition, "operation deadline has not passed", map[string]string{
				"operation_id": op.OperationID,
			})
		}
		return op.MarkExpired(now)
	})
	if err != nil {
		return OperationSummary{}, err
	}

	if err := o.store.BumpWalletStats(ctx, saved.WorkspaceID, wallet.StatsDelta{Expired: 1}); err != nil {
		return OperationSummary{}, err
	}

	if _, err := o.store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: saved.OperationID,
		WorkspaceID: saved.WorkspaceID,
		Action:      storage.ActionExpiration,
		ActorID:     "",
		Detail: map[string]any{
			"required":   saved.RequiredSignatures,
			"collected":  saved.VerifiedSignatureCount(),
			"remaining":  saved.RemainingNeeded(),
			"eligible":   saved.TotalEligibleSigners,
			"expired_at": saved.ExpiresAt.Format(time.RFC3339),
		},
		RecordedAt: now,
	}); err != nil {
		return OperationSummary{}, fmt.Errorf("record expiration: %w", err)
	}

	if err := o.emit(ctx, EventOperationExpired, saved, map[string]any{
		"required":  saved.RequiredSignatures,
		"collected": saved.VerifiedSignatureCount(),
		"remaining": saved.RemainingNeeded(),
		"eligible":  saved.TotalEligibleSigners,
	}); err != nil {
		return OperationSummary{}, err
	}

	return summarize(saved), nil
}

// RequiresMultiSig answers the upstream interception layer: whether an
// operation of this amount and type must be gated behind a quorum, and
// what that quorum would be.
func (o *Orchestrator) RequiresMultiSig(ctx context.Context, workspaceID string, amount int64, opType wallet.OperationType) (MultiSigRequirement, error) {
	w, err := o.store.GetWallet(ctx, workspaceID)
	if err != nil {
		return MultiSigRequirement{}, err
	}

	quorum := wallet.ResolveQuorum(&w, amount, opType, nil)
	var threshold int64
	for _, rule := range w.ThresholdRules {
		if threshold == 0 || rule.MinAmount < threshold {
			threshold = rule.MinAmount
		}
	}
	return MultiSigRequirement{
		Required:  w.IsActive && quorum.M >= 2,
		Threshold: threshold,
		Quorum:    quorum,
	}, nil
}

// GetOperationSummary exposes quorum progress for presentation upstream.
func (o *Orchestrator) GetOperationSummary(ctx context.Context, operationID string) (OperationSummary, error) {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return OperationSummary{}, err
	}
	return summarize(op), nil
}

// mutateOperation runs the load-mutate-save cycle under optimistic
// concurrency. A version conflict reloads and replays the mutation
// against the winner's state, so quorum checks are always evaluated
// transactionally against the post-append row.
func (o *Orchestrator) mutateOperation(ctx context.Context, operationID string, mutate func(op *wallet.Operation) error) (wallet.Operation, error) {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		op, err := o.store.GetOperation(ctx, operationID)
		if err != nil {
			return wallet.Operation{}, err
		}
		if err := mutate(&op); err != nil {
			return wallet.Operation{}, err
		}
		saved, err := o.store.SaveOperation(ctx, op, op.Version)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeVersionConflict) {
				continue
			}
			return wallet.Operation{}, err
		}
		return saved, nil
	}
	return wallet.Operation{}, apperrors.WithMetadata(apperrors.CodeVersionConflict, "operation save retries exhausted", map[string]string{
		"operation_id": operationID,
	})
}

func (o *Orchestrator) emit(ctx context.Context, name string, op wallet.Operation, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := o.store.EnqueueEvent(ctx, storage.Event{
		Name:        name,
		OperationID: op.OperationID,
		WorkspaceID: op.WorkspaceID,
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}
