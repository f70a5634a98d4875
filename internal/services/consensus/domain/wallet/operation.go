package wallet

import (
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
)

// OperationType is the domain action gated behind the quorum.
type OperationType string

const (
	OpVirtualTransfer   OperationType = "VIRTUAL_TRANSFER"
	OpVaultWithdrawal   OperationType = "VAULT_WITHDRAWAL"
	OpPolicyChange      OperationType = "POLICY_CHANGE"
	OpSignerChange      OperationType = "SIGNER_CHANGE"
	OpEmergencyOverride OperationType = "EMERGENCY_OVERRIDE"
)

// ParseOperationType canonicalizes operation type labels.
func ParseOperationType(value string) (OperationType, bool) {
	switch OperationType(strings.ToUpper(strings.TrimSpace(value))) {
	case OpVirtualTransfer:
		return OpVirtualTransfer, true
	case OpVaultWithdrawal:
		return OpVaultWithdrawal, true
	case OpPolicyChange:
		return OpPolicyChange, true
	case OpSignerChange:
		return OpSignerChange, true
	case OpEmergencyOverride:
		return OpEmergencyOverride, true
	default:
		return "", false
	}
}

// MaxEscalationLevels is the default cap on how many times a pending
// operation can be escalated; callers may configure a different cap.
const MaxEscalationLevels = 3

// Signature is one verified approval on an operation. Accepted signatures
// are immutable.
type Signature struct {
	SignerID           string
	SignedAt           time.Time
	SignatureHash      string
	ProofType          proof.Type
	DeviceFingerprint  string
	IPAddress          string
	Verified           bool
	VerifiedAt         time.Time
	VerificationMethod string
}

// Rejection records one signer's objection.
type Rejection struct {
	UserID     string
	Reason     string
	RejectedAt time.Time
	Privileged bool
}

// Escalation captures one attention-raising step for a stalled operation.
type Escalation struct {
	Level          int
	Reason         string
	EscalatedAt    time.Time
	PendingSigners []string
}

// Operation is a quorum-gated action moving through the consensus state
// machine. Operations are never deleted; resolution is a status change.
type Operation struct {
	OperationID          string
	WorkspaceID          string
	OperationType        OperationType
	Payload              []byte
	Amount               int64
	InitiatedBy          string
	InitiatedAt          time.Time
	RequiredSignatures   int
	TotalEligibleSigners int
	RequiredProofTypes   []proof.Type
	Signatures           []Signature
	Rejections           []Rejection
	Status               Status
	ExpiresAt            time.Time
	EscalationLevel      int
	LastEscalatedAt      *time.Time
	EscalationHistory    []Escalation
	ResolvedAt           *time.Time
	ResolvedBy           string
	SignatureRoot        string
	Version              int64
}

// VerifiedSignatureCount counts accepted signatures toward quorum.
func (o *Operation) VerifiedSignatureCount() int {
	count := 0
	for _, sig := range o.Signatures {
		if sig.Verified {
			count++
		}
	}
	return count
}

// HasSignatureFrom reports whether a signer already contributed.
func (o *Operation) HasSignatureFrom(signerID string) bool {
	signerID = strings.TrimSpace(signerID)
	for _, sig := range o.Signatures {
		if sig.SignerID == signerID {
			return true
		}
	}
	return false
}

// RemainingNeeded is how many more verified signatures reach quorum.
func (o *Operation) RemainingNeeded() int {
	remaining := o.RequiredSignatures - o.VerifiedSignatureCount()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpiredAt reports whether the deadline has passed. Expiry is
// time-triggered and independent of quorum progress.
func (o *Operation) IsExpiredAt(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// OutstandingSigners lists eligible signers who have not yet contributed.
func (o *Operation) OutstandingSigners(w *Wallet) []string {
	outstanding := make([]string, 0)
	for _, signerID := range w.EligibleSignerIDs() {
		if !o.HasSignatureFrom(signerID) {
			outstanding = append(outstanding, signerID)
		}
	}
	return outstanding
}

// ProofTypeAllowed reports whether a proof type satisfies the resolved
// policy. An empty requirement list admits any supported type.
func (o *Operation) ProofTypeAllowed(t proof.Type) bool {
	if len(o.RequiredProofTypes) == 0 {
		return true
	}
	for _, required := range o.RequiredProofTypes {
		if required == t {
			return true
		}
	}
	return false
}

// AppendSignature accepts one verified signature and re-evaluates quorum
// against the post-append state. When the verified count reaches the
// requirement the operation flips to APPROVED and ResolvedAt is stamped.
// The returned flag reports whether this signature reached quorum.
func (o *Operation) AppendSignature(sig Signature, now time.Time) (bool, error) {
	if o.Status != StatusPending {
		return false, apperrors.WithMetadata(apperrors.CodeOperationNotPending, "operation is not pending", map[string]string{
			"operation_id": o.OperationID,
			"status":       string(o.Status),
		})
	}
	if o.IsExpiredAt(now) {
		return false, apperrors.WithMetadata(apperrors.CodeOperationExpired, "operation deadline has passed", map[string]string{
			"operation_id": o.OperationID,
		})
	}
	if o.HasSignatureFrom(sig.SignerID) {
		return false, apperrors.WithMetadata(apperrors.CodeOperationAlreadySigned, "signer already contributed a signature", map[string]string{
			"operation_id": o.OperationID,
			"signer_id":    sig.SignerID,
		})
	}
	o.Signatures = append(o.Signatures, sig)

	if o.VerifiedSignatureCount() >= o.RequiredSignatures {
		if err := o.transition(StatusApproved); err != nil {
			return false, err
		}
		resolvedAt := now.UTC()
		o.ResolvedAt = &resolvedAt
		o.ResolvedBy = sig.SignerID
		return true, nil
	}
	return false, nil
}

// AppendRejection records an objection. A privileged rejection (OWNER or
// ADMIN) resolves the operation as REJECTED immediately; a non-privileged
// rejection is recorded without changing status.
func (o *Operation) AppendRejection(rej Rejection, now time.Time) (bool, error) {
	if o.Status != StatusPending {
		return false, apperrors.WithMetadata(apperrors.CodeOperationNotPending, "operation is not pending", map[string]string{
			"operation_id": o.OperationID,
			"status":       string(o.Status),
		})
	}
	o.Rejections = append(o.Rejections, rej)
	if !rej.Privileged {
		return false, nil
	}
	if err := o.transition(StatusRejected); err != nil {
		return false, err
	}
	resolvedAt := now.UTC()
	o.ResolvedAt = &resolvedAt
	o.ResolvedBy = rej.UserID
	return true, nil
}

// MarkExecuted transitions an approved operation to EXECUTED.
func (o *Operation) MarkExecuted(executorID string, now time.Time) error {
	if o.Status != StatusApproved {
		return apperrors.WithMetadata(apperrors.CodeOperationNotApproved, "operation is not approved", map[string]string{
			"operation_id": o.OperationID,
			"status":       string(o.Status),
		})
	}
	if err := o.transition(StatusExecuted); err != nil {
		return err
	}
	resolvedAt := now.UTC()
	o.ResolvedAt = &resolvedAt
	o.ResolvedBy = executorID
	return nil
}

// MarkExpired transitions a pending operation past its deadline to EXPIRED.
func (o *Operation) MarkExpired(now time.Time) error {
	if err := o.transition(StatusExpired); err != nil {
		return err
	}
	resolvedAt := now.UTC()
	o.ResolvedAt = &resolvedAt
	return nil
}

// Escalate raises the escalation level, capped at maxLevels
// (MaxEscalationLevels when non-positive), snapshotting the outstanding
// signer list. It is a no-op with a false flag once the operation is
// resolved or the cap is reached.
func (o *Operation) Escalate(reason string, pendingSigners []string, maxLevels int, now time.Time) bool {
	if o.Status != StatusPending {
		return false
	}
	if maxLevels <= 0 {
		maxLevels = MaxEscalationLevels
	}
	if o.EscalationLevel >= maxLevels {
		return false
	}
	o.EscalationLevel++
	escalatedAt := now.UTC()
	o.LastEscalatedAt = &escalatedAt
	o.EscalationHistory = append(o.EscalationHistory, Escalation{
		Level:          o.EscalationLevel,
		Reason:         reason,
		EscalatedAt:    escalatedAt,
		PendingSigners: pendingSigners,
	})
	return true
}

// LastActionAt is the reference instant for stall detection: the latest
// escalation, else the latest signature, else initiation.
func (o *Operation) LastActionAt() time.Time {
	if o.LastEscalatedAt != nil {
		return *o.LastEscalatedAt
	}
	last := o.InitiatedAt
	for _, sig := range o.Signatures {
		if sig.SignedAt.After(last) {
			last = sig.SignedAt
		}
	}
	return last
}

func (o *Operation) transition(to Status) error {
	if !isStatusTransitionAllowed(o.Status, to) {
		return apperrors.WithMetadata(apperrors.CodeOperationInvalidTransition, "status transition is not allowed", map[string]string{
			"operation_id": o.OperationID,
			"from":         string(o.Status),
			"to":           string(to),
		})
	}
	o.Status = to
	return nil
}
