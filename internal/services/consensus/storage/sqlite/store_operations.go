package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
)

const operationColumns = `operation_id, workspace_id, operation_type, payload, amount,
initiated_by, initiated_at, required_signatures, total_eligible_signers,
required_proof_types, status, expires_at, escalation_level, last_escalated_at,
resolved_at, resolved_by, signature_root, version`

// CreateOperation persists a freshly initiated operation. The operation id
// must be unused; a duplicate fails with a conflict instead of overwriting.
func (s *Store) CreateOperation(ctx context.Context, op wallet.Operation) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if strings.TrimSpace(op.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.Version == 0 {
		op.Version = 1
	}

	proofTypes, err := marshalProofTypes(op.RequiredProofTypes)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create operation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO operations (
    operation_id, workspace_id, operation_type, payload, amount,
    initiated_by, initiated_at, required_signatures, total_eligible_signers,
    required_proof_types, status, expires_at, escalation_level, last_escalated_at,
    resolved_at, resolved_by, signature_root, version, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		op.OperationID, op.WorkspaceID, string(op.OperationType), op.Payload, op.Amount,
		op.InitiatedBy, toMillis(op.InitiatedAt), op.RequiredSignatures, op.TotalEligibleSigners,
		proofTypes, string(op.Status), toMillis(op.ExpiresAt), op.EscalationLevel, nullableMillis(op.LastEscalatedAt),
		nullableMillis(op.ResolvedAt), op.ResolvedBy, op.SignatureRoot, op.Version, toMillis(time.Now()),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return apperrors.WithMetadata(apperrors.CodeDuplicateID, "operation id already exists", map[string]string{
				"operation_id": op.OperationID,
			})
		}
		return fmt.Errorf("insert operation: %w", err)
	}

	if err := insertOperationChildren(ctx, tx, op, 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create operation: %w", err)
	}
	return nil
}

// SaveOperation writes back a mutated operation under optimistic
// concurrency: the row is updated only while its stored version still
// equals expectedVersion. On success the returned operation carries the
// incremented version; a stale expectation fails with a version conflict
// so the caller can reload and retry.
func (s *Store) SaveOperation(ctx context.Context, op wallet.Operation, expectedVersion int64) (wallet.Operation, error) {
	if s == nil || s.sqlDB == nil {
		return wallet.Operation{}, fmt.Errorf("store is not initialized")
	}

	proofTypes, err := marshalProofTypes(op.RequiredProofTypes)
	if err != nil {
		return wallet.Operation{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return wallet.Operation{}, fmt.Errorf("begin save operation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
UPDATE operations SET
    status = ?,
    required_proof_types = ?,
    expires_at = ?,
    escalation_level = ?,
    last_escalated_at = ?,
    resolved_at = ?,
    resolved_by = ?,
    signature_root = ?,
    version = version + 1,
    updated_at = ?
WHERE operation_id = ? AND version = ?
`,
		string(op.Status), proofTypes, toMillis(op.ExpiresAt), op.EscalationLevel,
		nullableMillis(op.LastEscalatedAt), nullableMillis(op.ResolvedAt), op.ResolvedBy,
		op.SignatureRoot, toMillis(time.Now()), op.OperationID, expectedVersion,
	)
	if err != nil {
		return wallet.Operation{}, fmt.Errorf("update operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wallet.Operation{}, fmt.Errorf("update operation rows affected: %w", err)
	}
	if affected == 0 {
		var current int64
		row := tx.QueryRowContext(ctx, `SELECT version FROM operations WHERE operation_id = ?`, op.OperationID)
		if scanErr := row.Scan(&current); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return wallet.Operation{}, apperrors.WithMetadata(apperrors.CodeNotFound, "operation not found", map[string]string{
					"operation_id": op.OperationID,
				})
			}
			return wallet.Operation{}, fmt.Errorf("check operation version: %w", scanErr)
		}
		return wallet.Operation{}, apperrors.WithMetadata(apperrors.CodeVersionConflict, "operation was modified concurrently", map[string]string{
			"operation_id":     op.OperationID,
			"expected_version": fmt.Sprintf("%d", expectedVersion),
			"stored_version":   fmt.Sprintf("%d", current),
		})
	}

	var existingRejections int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_rejections WHERE operation_id = ?`, op.OperationID)
	if err := row.Scan(&existingRejections); err != nil {
		return wallet.Operation{}, fmt.Errorf("count rejections: %w", err)
	}

	if err := insertOperationChildren(ctx, tx, op, existingRejections); err != nil {
		return wallet.Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return wallet.Operation{}, fmt.Errorf("commit save operation: %w", err)
	}

	op.Version = expectedVersion + 1
	return op, nil
}

// insertOperationChildren writes signature, rejection, and escalation rows.
// Signatures and escalations are keyed and idempotent; rejections are
// append-only so only entries past rejectionOffset are inserted.
func insertOperationChildren(ctx context.Context, target execContexter, op wallet.Operation, rejectionOffset int) error {
	for _, sig := range op.Signatures {
		_, err := target.ExecContext(ctx, `
INSERT INTO operation_signatures (
    operation_id, signer_id, signed_at, signature_hash, proof_type,
    device_fingerprint, ip_address, verified, verified_at, verification_method
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(operation_id, signer_id) DO NOTHING
`,
			op.OperationID, sig.SignerID, toMillis(sig.SignedAt), sig.SignatureHash, string(sig.ProofType),
			sig.DeviceFingerprint, sig.IPAddress, boolToInt(sig.Verified), toMillis(sig.VerifiedAt), sig.VerificationMethod,
		)
		if err != nil {
			return fmt.Errorf("insert operation signature: %w", err)
		}
	}

	for i := rejectionOffset; i < len(op.Rejections); i++ {
		rej := op.Rejections[i]
		_, err := target.ExecContext(ctx, `
INSERT INTO operation_rejections (operation_id, user_id, reason, rejected_at, privileged)
VALUES (?, ?, ?, ?, ?)
`, op.OperationID, rej.UserID, rej.Reason, toMillis(rej.RejectedAt), boolToInt(rej.Privileged))
		if err != nil {
			return fmt.Errorf("insert operation rejection: %w", err)
		}
	}

	for _, esc := range op.EscalationHistory {
		pendingSigners, err := marshalStringList(esc.PendingSigners)
		if err != nil {
			return err
		}
		_, err = target.ExecContext(ctx, `
INSERT INTO operation_escalations (operation_id, level, reason, escalated_at, pending_signers)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(operation_id, level) DO NOTHING
`, op.OperationID, esc.Level, esc.Reason, toMillis(esc.EscalatedAt), pendingSigners)
		if err != nil {
			return fmt.Errorf("insert operation escalation: %w", err)
		}
	}

	return nil
}

// GetOperation loads one operation with its signatures, rejections, and
// escalation history.
func (s *Store) GetOperation(ctx context.Context, operationID string) (wallet.Operation, error) {
	if s == nil || s.sqlDB == nil {
		return wallet.Operation{}, fmt.Errorf("store is not initialized")
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return wallet.Operation{}, fmt.Errorf("operation id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+operationColumns+`
FROM operations WHERE operation_id = ?
`, operationID)
	op, err := scanOperation(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return wallet.Operation{}, apperrors.WithMetadata(apperrors.CodeNotFound, "operation not found", map[string]string{
				"operation_id": operationID,
			})
		}
		return wallet.Operation{}, fmt.Errorf("query operation: %w", err)
	}

	if err := s.loadOperationChildren(ctx, &op); err != nil {
		return wallet.Operation{}, err
	}
	return op, nil
}

func (s *Store) loadOperationChildren(ctx context.Context, op *wallet.Operation) error {
	sigRows, err := s.sqlDB.QueryContext(ctx, `
SELECT signer_id, signed_at, signature_hash, proof_type, device_fingerprint,
       ip_address, verified, verified_at, verification_method
FROM operation_signatures WHERE operation_id = ? ORDER BY signed_at, signer_id
`, op.OperationID)
	if err != nil {
		return fmt.Errorf("query operation signatures: %w", err)
	}
	defer sigRows.Close()
	for sigRows.Next() {
		var sig wallet.Signature
		var proofType string
		var signedAt, verifiedAt int64
		var verified int
		if err := sigRows.Scan(&sig.SignerID, &signedAt, &sig.SignatureHash, &proofType,
			&sig.DeviceFingerprint, &sig.IPAddress, &verified, &verifiedAt, &sig.VerificationMethod); err != nil {
			return fmt.Errorf("scan operation signature: %w", err)
		}
		sig.SignedAt = fromMillis(signedAt)
		sig.ProofType = proof.Type(proofType)
		sig.Verified = verified != 0
		sig.VerifiedAt = fromMillis(verifiedAt)
		op.Signatures = append(op.Signatures, sig)
	}
	if err := sigRows.Err(); err != nil {
		return fmt.Errorf("iterate operation signatures: %w", err)
	}

	rejRows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id, reason, rejected_at, privileged
FROM operation_rejections WHERE operation_id = ? ORDER BY id
`, op.OperationID)
	if err != nil {
		return fmt.Errorf("query operation rejections: %w", err)
	}
	defer rejRows.Close()
	for rejRows.Next() {
		var rej wallet.Rejection
		var rejectedAt int64
		var privileged int
		if err := rejRows.Scan(&rej.UserID, &rej.Reason, &rejectedAt, &privileged); err != nil {
			return fmt.Errorf("scan operation rejection: %w", err)
		}
		rej.RejectedAt = fromMillis(rejectedAt)
		rej.Privileged = privileged != 0
		op.Rejections = append(op.Rejections, rej)
	}
	if err := rejRows.Err(); err != nil {
		return fmt.Errorf("iterate operation rejections: %w", err)
	}

	escRows, err := s.sqlDB.QueryContext(ctx, `
SELECT level, reason, escalated_at, pending_signers
FROM operation_escalations WHERE operation_id = ? ORDER BY level
`, op.OperationID)
	if err != nil {
		return fmt.Errorf("query operation escalations: %w", err)
	}
	defer escRows.Close()
	for escRows.Next() {
		var esc wallet.Escalation
		var escalatedAt int64
		var pendingSigners string
		if err := escRows.Scan(&esc.Level, &esc.Reason, &escalatedAt, &pendingSigners); err != nil {
			return fmt.Errorf("scan operation escalation: %w", err)
		}
		esc.EscalatedAt = fromMillis(escalatedAt)
		parsed, err := unmarshalStringList(pendingSigners)
		if err != nil {
			return err
		}
		esc.PendingSigners = parsed
		op.EscalationHistory = append(op.EscalationHistory, esc)
	}
	return escRows.Err()
}

// ListStalledPending returns pending operations whose last action is at or
// before the cutoff. The last action is the latest escalation, else the
// newest signature, else initiation.
func (s *Store) ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]wallet.Operation, error) {
	return s.listOperations(ctx, `
SELECT `+operationColumns+`
FROM operations o
WHERE o.status = ?
  AND COALESCE(
        o.last_escalated_at,
        (SELECT MAX(s.signed_at) FROM operation_signatures s WHERE s.operation_id = o.operation_id),
        o.initiated_at
      ) <= ?
ORDER BY o.initiated_at
LIMIT ?
`, string(wallet.StatusPending), toMillis(cutoff), normalizeLimit(limit))
}

// ListPendingExpiredBefore returns pending operations whose deadline
// passed before the cutoff.
func (s *Store) ListPendingExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]wallet.Operation, error) {
	return s.listOperations(ctx, `
SELECT `+operationColumns+`
FROM operations
WHERE status = ? AND expires_at < ?
ORDER BY expires_at
LIMIT ?
`, string(wallet.StatusPending), toMillis(cutoff), normalizeLimit(limit))
}

// ListPendingExpiringBetween returns pending operations whose deadline
// falls inside (from, to].
func (s *Store) ListPendingExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]wallet.Operation, error) {
	return s.listOperations(ctx, `
SELECT `+operationColumns+`
FROM operations
WHERE status = ? AND expires_at > ? AND expires_at <= ?
ORDER BY expires_at
LIMIT ?
`, string(wallet.StatusPending), toMillis(from), toMillis(to), normalizeLimit(limit))
}

// ListRecentOperationIDs returns distinct operation ids touched at or
// after the cutoff, newest first.
func (s *Store) ListRecentOperationIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT operation_id FROM operations
WHERE updated_at >= ?
ORDER BY updated_at DESC
LIMIT ?
`, toMillis(since), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent operations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recent operation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) listOperations(ctx context.Context, query string, args ...any) ([]wallet.Operation, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []wallet.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	for i := range ops {
		if err := s.loadOperationChildren(ctx, &ops[i]); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func scanOperation(scan func(dest ...any) error) (wallet.Operation, error) {
	var op wallet.Operation
	var operationType, status, proofTypes string
	var initiatedAt, expiresAt int64
	var lastEscalatedAt, resolvedAt sql.NullInt64
	if err := scan(
		&op.OperationID, &op.WorkspaceID, &operationType, &op.Payload, &op.Amount,
		&op.InitiatedBy, &initiatedAt, &op.RequiredSignatures, &op.TotalEligibleSigners,
		&proofTypes, &status, &expiresAt, &op.EscalationLevel, &lastEscalatedAt,
		&resolvedAt, &op.ResolvedBy, &op.SignatureRoot, &op.Version,
	); err != nil {
		return wallet.Operation{}, err
	}
	op.OperationType = wallet.OperationType(operationType)
	op.Status = wallet.Status(status)
	op.InitiatedAt = fromMillis(initiatedAt)
	op.ExpiresAt = fromMillis(expiresAt)
	if lastEscalatedAt.Valid {
		value := fromMillis(lastEscalatedAt.Int64)
		op.LastEscalatedAt = &value
	}
	if resolvedAt.Valid {
		value := fromMillis(resolvedAt.Int64)
		op.ResolvedAt = &value
	}
	parsed, err := unmarshalProofTypes(proofTypes)
	if err != nil {
		return wallet.Operation{}, err
	}
	op.RequiredProofTypes = parsed
	return op, nil
}

func nullableMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
