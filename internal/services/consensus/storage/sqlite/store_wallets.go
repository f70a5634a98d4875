package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
)

// CreateWallet persists a wallet aggregate, its roster, its threshold
// rules, and an empty stats row atomically.
func (s *Store) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := w.Validate(); err != nil {
		return err
	}

	now := toMillis(time.Now())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create wallet: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	active := 0
	if w.IsActive {
		active = 1
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO wallets (workspace_id, name, default_m, default_n, default_mode, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, w.WorkspaceID, w.Name, w.DefaultQuorum.M, w.DefaultQuorum.N, string(w.DefaultQuorum.Mode), active, now, now)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return apperrors.WithMetadata(apperrors.CodeDuplicateID, "wallet already exists", map[string]string{
				"workspace_id": w.WorkspaceID,
			})
		}
		return fmt.Errorf("insert wallet: %w", err)
	}

	for _, signer := range w.AuthorizedSigners {
		if err := insertSigner(ctx, tx, w.WorkspaceID, signer); err != nil {
			return err
		}
	}
	for i, rule := range w.ThresholdRules {
		if err := insertThresholdRule(ctx, tx, w.WorkspaceID, i, rule); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO wallet_stats (workspace_id, total_operations, approved_operations, rejected_operations, expired_operations, average_approval_time_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, w.WorkspaceID, w.Stats.TotalOperations, w.Stats.ApprovedOperations, w.Stats.RejectedOperations, w.Stats.ExpiredOperations, w.Stats.AverageApprovalTimeMs)
	if err != nil {
		return fmt.Errorf("insert wallet stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create wallet: %w", err)
	}
	return nil
}

func insertSigner(ctx context.Context, target execContexter, workspaceID string, signer wallet.Signer) error {
	_, err := target.ExecContext(ctx, `
INSERT INTO wallet_signers (workspace_id, user_id, role, can_initiate, can_approve, can_reject)
VALUES (?, ?, ?, ?, ?, ?)
`, workspaceID, signer.UserID, string(signer.Role), boolToInt(signer.CanInitiate), boolToInt(signer.CanApprove), boolToInt(signer.CanReject))
	if err != nil {
		return fmt.Errorf("insert wallet signer: %w", err)
	}
	return nil
}

func insertThresholdRule(ctx context.Context, target execContexter, workspaceID string, index int, rule wallet.ThresholdRule) error {
	proofTypes, err := marshalProofTypes(rule.RequiredProofTypes)
	if err != nil {
		return err
	}
	_, err = target.ExecContext(ctx, `
INSERT INTO wallet_threshold_rules (workspace_id, rule_index, min_amount, required_m, required_proof_types, max_approval_hours)
VALUES (?, ?, ?, ?, ?, ?)
`, workspaceID, index, rule.MinAmount, rule.RequiredM, proofTypes, rule.MaxApprovalHours)
	if err != nil {
		return fmt.Errorf("insert threshold rule: %w", err)
	}
	return nil
}

// GetWallet loads a wallet aggregate with its roster, rules, and stats.
func (s *Store) GetWallet(ctx context.Context, workspaceID string) (wallet.Wallet, error) {
	if s == nil || s.sqlDB == nil {
		return wallet.Wallet{}, fmt.Errorf("store is not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return wallet.Wallet{}, fmt.Errorf("workspace id is required")
	}

	var w wallet.Wallet
	var mode string
	var active int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT workspace_id, name, default_m, default_n, default_mode, is_active
FROM wallets WHERE workspace_id = ?
`, workspaceID)
	if err := row.Scan(&w.WorkspaceID, &w.Name, &w.DefaultQuorum.M, &w.DefaultQuorum.N, &mode, &active); err != nil {
		if err == sql.ErrNoRows {
			return wallet.Wallet{}, apperrors.WithMetadata(apperrors.CodeNotFound, "wallet not found", map[string]string{
				"workspace_id": workspaceID,
			})
		}
		return wallet.Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	w.DefaultQuorum.Mode = wallet.QuorumMode(mode)
	w.IsActive = active != 0

	signers, err := s.listSigners(ctx, workspaceID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.AuthorizedSigners = signers

	rules, err := s.listThresholdRules(ctx, workspaceID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.ThresholdRules = rules

	stats, err := s.getStats(ctx, workspaceID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.Stats = stats

	return w, nil
}

func (s *Store) listSigners(ctx context.Context, workspaceID string) ([]wallet.Signer, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id, role, can_initiate, can_approve, can_reject
FROM wallet_signers WHERE workspace_id = ? ORDER BY user_id
`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query wallet signers: %w", err)
	}
	defer rows.Close()

	var signers []wallet.Signer
	for rows.Next() {
		var signer wallet.Signer
		var role string
		var canInitiate, canApprove, canReject int
		if err := rows.Scan(&signer.UserID, &role, &canInitiate, &canApprove, &canReject); err != nil {
			return nil, fmt.Errorf("scan wallet signer: %w", err)
		}
		signer.Role = wallet.Role(role)
		signer.CanInitiate = canInitiate != 0
		signer.CanApprove = canApprove != 0
		signer.CanReject = canReject != 0
		signers = append(signers, signer)
	}
	return signers, rows.Err()
}

func (s *Store) listThresholdRules(ctx context.Context, workspaceID string) ([]wallet.ThresholdRule, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT min_amount, required_m, required_proof_types, max_approval_hours
FROM wallet_threshold_rules WHERE workspace_id = ? ORDER BY rule_index
`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query threshold rules: %w", err)
	}
	defer rows.Close()

	var rules []wallet.ThresholdRule
	for rows.Next() {
		var rule wallet.ThresholdRule
		var proofTypes string
		if err := rows.Scan(&rule.MinAmount, &rule.RequiredM, &proofTypes, &rule.MaxApprovalHours); err != nil {
			return nil, fmt.Errorf("scan threshold rule: %w", err)
		}
		parsed, err := unmarshalProofTypes(proofTypes)
		if err != nil {
			return nil, err
		}
		rule.RequiredProofTypes = parsed
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) getStats(ctx context.Context, workspaceID string) (wallet.Stats, error) {
	var stats wallet.Stats
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT total_operations, approved_operations, rejected_operations, expired_operations, average_approval_time_ms
FROM wallet_stats WHERE workspace_id = ?
`, workspaceID)
	err := row.Scan(&stats.TotalOperations, &stats.ApprovedOperations, &stats.RejectedOperations, &stats.ExpiredOperations, &stats.AverageApprovalTimeMs)
	if err != nil && err != sql.ErrNoRows {
		return wallet.Stats{}, fmt.Errorf("query wallet stats: %w", err)
	}
	return stats, nil
}

// SetWalletActive flips the active flag; inactive wallets reject new
// operation initiations.
func (s *Store) SetWalletActive(ctx context.Context, workspaceID string, active bool) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE wallets SET is_active = ?, updated_at = ? WHERE workspace_id = ?
`, boolToInt(active), toMillis(time.Now()), workspaceID)
	if err != nil {
		return fmt.Errorf("update wallet active flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update wallet active flag: %w", err)
	}
	if affected == 0 {
		return apperrors.WithMetadata(apperrors.CodeNotFound, "wallet not found", map[string]string{
			"workspace_id": workspaceID,
		})
	}
	return nil
}

// BumpWalletStats folds one operation outcome into the stats row. The
// arithmetic runs against the stored values inside the UPDATE, so
// concurrent outcomes on the same wallet never lose increments. The
// approval latency sample is folded into the running mean as
// mean' = (mean*k + sample) / (k + 1) against the stored approval count.
func (s *Store) BumpWalletStats(ctx context.Context, workspaceID string, delta wallet.StatsDelta) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	sampleMs := float64(delta.ApprovalTime.Milliseconds())
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO wallet_stats (workspace_id, total_operations, approved_operations, rejected_operations, expired_operations, average_approval_time_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id) DO UPDATE SET
    total_operations = total_operations + excluded.total_operations,
    approved_operations = approved_operations + excluded.approved_operations,
    rejected_operations = rejected_operations + excluded.rejected_operations,
    expired_operations = expired_operations + excluded.expired_operations,
    average_approval_time_ms = CASE WHEN excluded.approved_operations > 0
        THEN (average_approval_time_ms * approved_operations + excluded.average_approval_time_ms) / (approved_operations + excluded.approved_operations)
        ELSE average_approval_time_ms END
`, workspaceID, delta.Initiated, delta.Approved, delta.Rejected, delta.Expired, sampleMs*float64(delta.Approved))
	if err != nil {
		return fmt.Errorf("bump wallet stats: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
