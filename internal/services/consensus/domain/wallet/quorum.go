package wallet

import (
	"math"

	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
)

// Quorum is the resolved signing requirement for one operation.
type Quorum struct {
	M                  int
	N                  int
	ThresholdPercent   float64
	RequiredProofTypes []proof.Type
	MaxApprovalHours   int
}

// PolicyOverride merges workspace-level policy adjustments into a resolved
// quorum. Nil fields leave the resolved value untouched.
type PolicyOverride struct {
	RequiredM          *int
	RequiredProofTypes []proof.Type
	MaxApprovalHours   *int
}

// DefaultMaxApprovalHours bounds operations whose tier sets no deadline.
const DefaultMaxApprovalHours = 24

// ResolveQuorum maps (wallet policy, amount, operation type) to the
// required quorum. It selects the threshold tier with the greatest
// MinAmount not exceeding the amount, falls back to the wallet default,
// applies the optional override by field merge, and hardens emergency
// overrides: m is raised to at least ceil(0.75*n) and the proof types are
// forced to the strongest tier. Pure and deterministic.
func ResolveQuorum(w *Wallet, amount int64, opType OperationType, override *PolicyOverride) Quorum {
	n := w.EligibleSignerCount()

	quorum := Quorum{
		M:                w.DefaultQuorum.M,
		N:                n,
		MaxApprovalHours: DefaultMaxApprovalHours,
	}
	switch w.DefaultQuorum.Mode {
	case QuorumModeMajority:
		quorum.M = n/2 + 1
	case QuorumModeAll:
		quorum.M = n
	}

	var matched *ThresholdRule
	for i := range w.ThresholdRules {
		rule := &w.ThresholdRules[i]
		if rule.MinAmount > amount {
			continue
		}
		if matched == nil || rule.MinAmount > matched.MinAmount {
			matched = rule
		}
	}
	if matched != nil {
		quorum.M = matched.RequiredM
		if len(matched.RequiredProofTypes) > 0 {
			quorum.RequiredProofTypes = append([]proof.Type(nil), matched.RequiredProofTypes...)
		}
		if matched.MaxApprovalHours > 0 {
			quorum.MaxApprovalHours = matched.MaxApprovalHours
		}
	}

	if override != nil {
		if override.RequiredM != nil {
			quorum.M = *override.RequiredM
		}
		if len(override.RequiredProofTypes) > 0 {
			quorum.RequiredProofTypes = append([]proof.Type(nil), override.RequiredProofTypes...)
		}
		if override.MaxApprovalHours != nil {
			quorum.MaxApprovalHours = *override.MaxApprovalHours
		}
	}

	if opType == OpEmergencyOverride {
		floor := int(math.Ceil(0.75 * float64(n)))
		if quorum.M < floor {
			quorum.M = floor
		}
		quorum.RequiredProofTypes = proof.StrongestTier()
	}

	if quorum.M < 1 {
		quorum.M = 1
	}
	if quorum.M > n {
		quorum.M = n
	}
	if n > 0 {
		quorum.ThresholdPercent = float64(quorum.M) / float64(n) * 100
	}
	return quorum
}
