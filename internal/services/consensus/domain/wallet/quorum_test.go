package wallet

import (
	"testing"

	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
)

func testWallet() *Wallet {
	return &Wallet{
		WorkspaceID: "ws-1",
		Name:        "treasury",
		DefaultQuorum: QuorumPolicy{
			M:    2,
			N:    3,
			Mode: QuorumModeFixed,
		},
		ThresholdRules: []ThresholdRule{
			{
				MinAmount:          5000,
				RequiredM:          3,
				RequiredProofTypes: []proof.Type{proof.TypeHardwareKey, proof.TypePKI, proof.TypeTOTP},
				MaxApprovalHours:   12,
			},
			{
				MinAmount:        1000,
				RequiredM:        2,
				MaxApprovalHours: 48,
			},
		},
		AuthorizedSigners: []Signer{
			{UserID: "owner-1", Role: RoleOwner, CanInitiate: true, CanApprove: true, CanReject: true},
			{UserID: "admin-1", Role: RoleAdmin, CanInitiate: true, CanApprove: true, CanReject: true},
			{UserID: "signer-1", Role: RoleSigner, CanApprove: true, CanReject: true},
		},
		IsActive: true,
	}
}

func TestResolveQuorumDefaultFallback(t *testing.T) {
	w := testWallet()
	quorum := ResolveQuorum(w, 500, OpVirtualTransfer, nil)
	if quorum.M != 2 || quorum.N != 3 {
		t.Fatalf("expected default 2-of-3, got %d-of-%d", quorum.M, quorum.N)
	}
	if quorum.MaxApprovalHours != DefaultMaxApprovalHours {
		t.Fatalf("expected default approval window, got %d", quorum.MaxApprovalHours)
	}
	if len(quorum.RequiredProofTypes) != 0 {
		t.Fatalf("expected no proof type restriction, got %v", quorum.RequiredProofTypes)
	}
}

func TestResolveQuorumPicksGreatestQualifyingTier(t *testing.T) {
	w := testWallet()

	quorum := ResolveQuorum(w, 6000, OpVaultWithdrawal, nil)
	if quorum.M != 3 {
		t.Fatalf("expected tier with min amount 5000 to apply m=3, got %d", quorum.M)
	}
	if quorum.MaxApprovalHours != 12 {
		t.Fatalf("expected 12 hour window, got %d", quorum.MaxApprovalHours)
	}

	quorum = ResolveQuorum(w, 1500, OpVaultWithdrawal, nil)
	if quorum.M != 2 {
		t.Fatalf("expected tier with min amount 1000 to apply m=2, got %d", quorum.M)
	}
	if quorum.MaxApprovalHours != 48 {
		t.Fatalf("expected 48 hour window, got %d", quorum.MaxApprovalHours)
	}
}

func TestResolveQuorumModes(t *testing.T) {
	w := testWallet()
	w.ThresholdRules = nil

	w.DefaultQuorum.Mode = QuorumModeMajority
	if quorum := ResolveQuorum(w, 10, OpVirtualTransfer, nil); quorum.M != 2 {
		t.Fatalf("expected majority of 3 to be 2, got %d", quorum.M)
	}

	w.DefaultQuorum.Mode = QuorumModeAll
	if quorum := ResolveQuorum(w, 10, OpVirtualTransfer, nil); quorum.M != 3 {
		t.Fatalf("expected all-of-3, got %d", quorum.M)
	}
}

func TestResolveQuorumOverrideFieldMerge(t *testing.T) {
	w := testWallet()
	requiredM := 3
	hours := 6
	quorum := ResolveQuorum(w, 500, OpVirtualTransfer, &PolicyOverride{
		RequiredM:        &requiredM,
		MaxApprovalHours: &hours,
	})
	if quorum.M != 3 {
		t.Fatalf("expected override m=3, got %d", quorum.M)
	}
	if quorum.MaxApprovalHours != 6 {
		t.Fatalf("expected override window 6h, got %d", quorum.MaxApprovalHours)
	}
}

func TestResolveQuorumEmergencyOverrideHardening(t *testing.T) {
	w := testWallet()
	w.ThresholdRules = nil
	w.DefaultQuorum.M = 1

	quorum := ResolveQuorum(w, 10, OpEmergencyOverride, nil)
	// ceil(0.75 * 3) = 3
	if quorum.M != 3 {
		t.Fatalf("expected emergency quorum floor of 3, got %d", quorum.M)
	}
	want := proof.StrongestTier()
	if len(quorum.RequiredProofTypes) != len(want) {
		t.Fatalf("expected strongest proof tier %v, got %v", want, quorum.RequiredProofTypes)
	}
	for i, pt := range want {
		if quorum.RequiredProofTypes[i] != pt {
			t.Fatalf("expected strongest proof tier %v, got %v", want, quorum.RequiredProofTypes)
		}
	}
}

func TestResolveQuorumClampsToEligibleSigners(t *testing.T) {
	w := testWallet()
	w.ThresholdRules = nil
	w.DefaultQuorum.M = 9
	quorum := ResolveQuorum(w, 10, OpVirtualTransfer, nil)
	if quorum.M != 3 {
		t.Fatalf("expected m clamped to n=3, got %d", quorum.M)
	}
	if quorum.ThresholdPercent != 100 {
		t.Fatalf("expected 100%% threshold, got %v", quorum.ThresholdPercent)
	}
}

func TestResolveQuorumIsDeterministic(t *testing.T) {
	w := testWallet()
	first := ResolveQuorum(w, 6000, OpVaultWithdrawal, nil)
	second := ResolveQuorum(w, 6000, OpVaultWithdrawal, nil)
	if first.M != second.M || first.N != second.N || first.MaxApprovalHours != second.MaxApprovalHours {
		t.Fatalf("expected deterministic resolution, got %+v vs %+v", first, second)
	}
}
