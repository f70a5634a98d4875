package sqlite

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/consensus.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var journalMode string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journalMode)
	}

	var busyTimeout int
	if err := store.DB().QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", busyTimeout)
	}

	var foreignKeys int
	if err := store.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func testStoreWallet() wallet.Wallet {
	return wallet.Wallet{
		WorkspaceID: "ws-1",
		Name:        "treasury",
		DefaultQuorum: wallet.QuorumPolicy{
			M:    2,
			N:    3,
			Mode: wallet.QuorumModeFixed,
		},
		ThresholdRules: []wallet.ThresholdRule{
			{MinAmount: 1000, RequiredM: 2, RequiredProofTypes: []proof.Type{proof.TypeTOTP}},
			{MinAmount: 5000, RequiredM: 3, MaxApprovalHours: 6},
		},
		AuthorizedSigners: []wallet.Signer{
			{UserID: "owner-1", Role: wallet.RoleOwner, CanInitiate: true, CanApprove: true, CanReject: true},
			{UserID: "admin-1", Role: wallet.RoleAdmin, CanInitiate: true, CanApprove: true, CanReject: true},
			{UserID: "signer-1", Role: wallet.RoleSigner, CanApprove: true, CanReject: true},
		},
		IsActive: true,
	}
}

func testStoreOperation(now time.Time) wallet.Operation {
	return wallet.Operation{
		OperationID:          "op-ws-1-virtual_transfer-abc",
		WorkspaceID:          "ws-1",
		OperationType:        wallet.OpVirtualTransfer,
		Payload:              []byte(`{"to":"acct-9","amount":1500}`),
		Amount:               1500,
		InitiatedBy:          "owner-1",
		InitiatedAt:          now,
		RequiredSignatures:   2,
		TotalEligibleSigners: 3,
		RequiredProofTypes:   []proof.Type{proof.TypeTOTP},
		Status:               wallet.StatusPending,
		ExpiresAt:            now.Add(24 * time.Hour),
		Version:              1,
	}
}

func TestWalletRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateWallet(ctx, testStoreWallet()); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	got, err := store.GetWallet(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Name != "treasury" {
		t.Fatalf("name = %q, want treasury", got.Name)
	}
	if len(got.AuthorizedSigners) != 3 {
		t.Fatalf("signers = %d, want 3", len(got.AuthorizedSigners))
	}
	if len(got.ThresholdRules) != 2 {
		t.Fatalf("threshold rules = %d, want 2", len(got.ThresholdRules))
	}
	if got.ThresholdRules[0].RequiredProofTypes[0] != proof.TypeTOTP {
		t.Fatalf("rule proof type = %q, want TOTP", got.ThresholdRules[0].RequiredProofTypes[0])
	}
	if !got.IsActive {
		t.Fatal("wallet should be active")
	}

	if err := store.CreateWallet(ctx, testStoreWallet()); !apperrors.HasCode(err, apperrors.CodeDuplicateID) {
		t.Fatalf("duplicate create error = %v, want %s", err, apperrors.CodeDuplicateID)
	}

	if _, err := store.GetWallet(ctx, "ws-missing"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing wallet error = %v, want %s", err, apperrors.CodeNotFound)
	}
}

func TestWalletStatsUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateWallet(ctx, testStoreWallet()); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	deltas := []wallet.StatsDelta{
		{Initiated: 1},
		{Initiated: 1},
		{Approved: 1, ApprovalTime: 2 * time.Second},
		{Approved: 1, ApprovalTime: 4 * time.Second},
		{Rejected: 1},
		{Expired: 1},
	}
	for _, delta := range deltas {
		if err := store.BumpWalletStats(ctx, "ws-1", delta); err != nil {
			t.Fatalf("bump stats %+v: %v", delta, err)
		}
	}

	got, err := store.GetWallet(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Stats.TotalOperations != 2 || got.Stats.ApprovedOperations != 2 {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if got.Stats.RejectedOperations != 1 || got.Stats.ExpiredOperations != 1 {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if got.Stats.AverageApprovalTimeMs != 3000 {
		t.Fatalf("mean = %v, want 3000 from samples 2000 and 4000", got.Stats.AverageApprovalTimeMs)
	}
}

func TestSetWalletActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateWallet(ctx, testStoreWallet()); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	if err := store.SetWalletActive(ctx, "ws-1", false); err != nil {
		t.Fatalf("deactivate wallet: %v", err)
	}
	got, err := store.GetWallet(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.IsActive {
		t.Fatal("expected wallet to be inactive")
	}

	if err := store.SetWalletActive(ctx, "ws-1", true); err != nil {
		t.Fatalf("reactivate wallet: %v", err)
	}
	got, err = store.GetWallet(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !got.IsActive {
		t.Fatal("expected wallet to be active again")
	}

	err = store.SetWalletActive(ctx, "ws-missing", false)
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOperationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	op := testStoreOperation(now)
	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := store.CreateOperation(ctx, op); !apperrors.HasCode(err, apperrors.CodeDuplicateID) {
		t.Fatalf("duplicate create error = %v, want %s", err, apperrors.CodeDuplicateID)
	}

	got, err := store.GetOperation(ctx, op.OperationID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if got.Status != wallet.StatusPending {
		t.Fatalf("status = %q, want PENDING", got.Status)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if got.Amount != 1500 || got.OperationType != wallet.OpVirtualTransfer {
		t.Fatalf("operation = %+v", got)
	}
	if len(got.RequiredProofTypes) != 1 || got.RequiredProofTypes[0] != proof.TypeTOTP {
		t.Fatalf("required proof types = %v", got.RequiredProofTypes)
	}

	if _, err := store.GetOperation(ctx, "op-missing"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing operation error = %v, want %s", err, apperrors.CodeNotFound)
	}
}

func TestSaveOperationOptimisticConcurrency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	op := testStoreOperation(now)
	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	op.Signatures = append(op.Signatures, wallet.Signature{
		SignerID:           "owner-1",
		SignedAt:           now.Add(time.Minute),
		SignatureHash:      "hash-1",
		ProofType:          proof.TypeTOTP,
		Verified:           true,
		VerifiedAt:         now.Add(time.Minute),
		VerificationMethod: "totp-window",
	})
	saved, err := store.SaveOperation(ctx, op, 1)
	if err != nil {
		t.Fatalf("save operation: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("saved version = %d, want 2", saved.Version)
	}

	// A writer holding the stale version must observe a conflict.
	if _, err := store.SaveOperation(ctx, op, 1); !apperrors.HasCode(err, apperrors.CodeVersionConflict) {
		t.Fatalf("stale save error = %v, want %s", err, apperrors.CodeVersionConflict)
	}
	if _, err := store.SaveOperation(ctx, testStoreOperation(now.Add(time.Hour)), 1); err == nil {
		t.Fatal("expected error saving unknown operation")
	}

	got, err := store.GetOperation(ctx, op.OperationID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if len(got.Signatures) != 1 {
		t.Fatalf("signatures = %d, want 1", len(got.Signatures))
	}
	if !got.Signatures[0].Verified || got.Signatures[0].VerificationMethod != "totp-window" {
		t.Fatalf("signature = %+v", got.Signatures[0])
	}
}

func TestSaveOperationPersistsRejectionsAndEscalations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	op := testStoreOperation(now)
	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	op.Rejections = append(op.Rejections, wallet.Rejection{
		UserID: "signer-1", Reason: "looks wrong", RejectedAt: now.Add(time.Minute),
	})
	op.Escalate("no signatures in 4h", []string{"admin-1", "signer-1"}, 0, now.Add(4*time.Hour))
	saved, err := store.SaveOperation(ctx, op, 1)
	if err != nil {
		t.Fatalf("save operation: %v", err)
	}

	// Saving again with the same history must not duplicate rows.
	if _, err := store.SaveOperation(ctx, saved, saved.Version); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.GetOperation(ctx, op.OperationID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if len(got.Rejections) != 1 {
		t.Fatalf("rejections = %d, want 1", len(got.Rejections))
	}
	if len(got.EscalationHistory) != 1 {
		t.Fatalf("escalations = %d, want 1", len(got.EscalationHistory))
	}
	if got.EscalationLevel != 1 {
		t.Fatalf("escalation level = %d, want 1", got.EscalationLevel)
	}
	if got.LastEscalatedAt == nil {
		t.Fatal("last escalated at should be set")
	}
	if len(got.EscalationHistory[0].PendingSigners) != 2 {
		t.Fatalf("pending signers = %v", got.EscalationHistory[0].PendingSigners)
	}
}

func TestOperationQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	stalled := testStoreOperation(now.Add(-12 * time.Hour))
	stalled.OperationID = "op-ws-1-virtual_transfer-stalled"
	stalled.ExpiresAt = now.Add(12 * time.Hour)
	if err := store.CreateOperation(ctx, stalled); err != nil {
		t.Fatalf("create stalled: %v", err)
	}

	expired := testStoreOperation(now.Add(-48 * time.Hour))
	expired.OperationID = "op-ws-1-virtual_transfer-expired"
	expired.ExpiresAt = now.Add(-time.Hour)
	if err := store.CreateOperation(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	expiring := testStoreOperation(now)
	expiring.OperationID = "op-ws-1-virtual_transfer-expiring"
	expiring.ExpiresAt = now.Add(20 * time.Minute)
	if err := store.CreateOperation(ctx, expiring); err != nil {
		t.Fatalf("create expiring: %v", err)
	}

	stalledOps, err := store.ListStalledPending(ctx, now.Add(-4*time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalledOps) != 2 {
		t.Fatalf("stalled = %d, want 2 (stalled + expired, both idle)", len(stalledOps))
	}

	// A fresh signature moves the operation out of the stall window.
	stalled.Signatures = append(stalled.Signatures, wallet.Signature{
		SignerID: "owner-1", SignedAt: now.Add(-time.Minute), SignatureHash: "h", ProofType: proof.TypeTOTP, Verified: true, VerifiedAt: now.Add(-time.Minute),
	})
	if _, err := store.SaveOperation(ctx, stalled, 1); err != nil {
		t.Fatalf("save stalled: %v", err)
	}
	stalledOps, err = store.ListStalledPending(ctx, now.Add(-4*time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalledOps) != 1 || stalledOps[0].OperationID != expired.OperationID {
		t.Fatalf("stalled after signature = %+v", stalledOps)
	}

	expiredOps, err := store.ListPendingExpiredBefore(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expiredOps) != 1 || expiredOps[0].OperationID != expired.OperationID {
		t.Fatalf("expired = %+v", expiredOps)
	}

	expiringOps, err := store.ListPendingExpiringBetween(ctx, now, now.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(expiringOps) != 1 || expiringOps[0].OperationID != expiring.OperationID {
		t.Fatalf("expiring = %+v", expiringOps)
	}

	ids, err := store.ListRecentOperationIDs(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("recent ids = %v, want all 3", ids)
	}
}

func TestAuditChainAppendAndVerify(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	first, err := store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: "op-1",
		WorkspaceID: "ws-1",
		Action:      storage.ActionInitiation,
		ActorID:     "owner-1",
		Detail:      map[string]any{"required": 2, "eligible": 3},
		RecordedAt:  now,
	})
	if err != nil {
		t.Fatalf("append first trace: %v", err)
	}
	if first.PrevHash != "" {
		t.Fatalf("first prev hash = %q, want empty", first.PrevHash)
	}
	if first.ChainHash == "" || first.TraceID == "" {
		t.Fatalf("first trace missing hash or id: %+v", first)
	}

	second, err := store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: "op-1",
		WorkspaceID: "ws-1",
		Action:      storage.ActionSignature,
		ActorID:     "admin-1",
		Detail:      map[string]any{"collected": 1, "remaining": 1},
		RecordedAt:  now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("append second trace: %v", err)
	}
	if second.PrevHash != first.ChainHash {
		t.Fatalf("second prev hash = %q, want %q", second.PrevHash, first.ChainHash)
	}

	// A separate operation starts its own chain.
	other, err := store.AppendTrace(ctx, storage.TraceRecord{
		OperationID: "op-2",
		WorkspaceID: "ws-1",
		Action:      storage.ActionInitiation,
		ActorID:     "owner-1",
		RecordedAt:  now,
	})
	if err != nil {
		t.Fatalf("append other trace: %v", err)
	}
	if other.PrevHash != "" {
		t.Fatalf("other prev hash = %q, want empty", other.PrevHash)
	}

	traces, err := store.ListTraces(ctx, "op-1")
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("traces = %d, want 2", len(traces))
	}

	report, err := store.VerifyChainIntegrity(ctx, "op-1")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid {
		t.Fatalf("chain should verify: %+v", report)
	}
}

func TestAuditChainDetectsTampering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	for i, action := range []storage.Action{storage.ActionInitiation, storage.ActionSignature, storage.ActionSignature} {
		if _, err := store.AppendTrace(ctx, storage.TraceRecord{
			OperationID: "op-1",
			WorkspaceID: "ws-1",
			Action:      action,
			ActorID:     "signer-1",
			RecordedAt:  now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append trace %d: %v", i, err)
		}
	}

	if _, err := store.DB().Exec(`UPDATE audit_traces SET actor_id = 'intruder' WHERE seq = 2`); err != nil {
		t.Fatalf("tamper with trace: %v", err)
	}

	report, err := store.VerifyChainIntegrity(ctx, "op-1")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain should not verify")
	}
	if report.TraceID == "" || report.Reason == "" {
		t.Fatalf("report should name the broken link: %+v", report)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnqueueEvent(ctx, storage.Event{
		Name:        "consensus.operation_initiated",
		OperationID: "op-1",
		WorkspaceID: "ws-1",
		Payload:     []byte(`{"required":2}`),
	}); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	if err := store.EnqueueEvent(ctx, storage.Event{
		Name:        "consensus.signature_added",
		OperationID: "op-1",
		WorkspaceID: "ws-1",
	}); err != nil {
		t.Fatalf("enqueue second event: %v", err)
	}

	pending, err := store.ListPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Name != "consensus.operation_initiated" {
		t.Fatalf("pending order wrong: %q first", pending[0].Name)
	}

	if err := store.MarkEventDispatched(ctx, pending[0].ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	pending, err = store.ListPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list pending again: %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "consensus.signature_added" {
		t.Fatalf("pending after dispatch = %+v", pending)
	}
}
