// Package wallet holds the multi-signature wallet aggregate: the signer
// roster, quorum policy, operation state machine, and rolling statistics.
package wallet

import (
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
)

// Role describes a signer's standing inside a wallet.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleSigner Role = "SIGNER"
)

// IsPrivileged reports whether the role carries unilateral veto power.
func (r Role) IsPrivileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

// ParseRole canonicalizes role labels.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSigner:
		return RoleSigner, true
	default:
		return "", false
	}
}

// Signer is one authorized member of the wallet roster.
type Signer struct {
	UserID      string
	Role        Role
	CanInitiate bool
	CanApprove  bool
	CanReject   bool
}

// QuorumMode selects how the required signature count is derived.
type QuorumMode string

const (
	// QuorumModeFixed uses the configured M directly.
	QuorumModeFixed QuorumMode = "FIXED"
	// QuorumModeMajority requires floor(n/2)+1 signatures.
	QuorumModeMajority QuorumMode = "MAJORITY"
	// QuorumModeAll requires every eligible signer.
	QuorumModeAll QuorumMode = "ALL"
)

// QuorumPolicy is the wallet's default m-of-n requirement.
type QuorumPolicy struct {
	M    int
	N    int
	Mode QuorumMode
}

// ThresholdRule raises quorum requirements above an amount floor.
type ThresholdRule struct {
	MinAmount          int64
	RequiredM          int
	RequiredProofTypes []proof.Type
	MaxApprovalHours   int
}

// Stats tracks rolling wallet outcomes.
type Stats struct {
	TotalOperations       int64
	ApprovedOperations    int64
	RejectedOperations    int64
	ExpiredOperations     int64
	AverageApprovalTimeMs float64
}

// StatsDelta is one operation outcome to fold into a wallet's rolling
// statistics. The store applies deltas relative to the stored row so
// concurrent outcomes on the same wallet never overwrite each other.
// ApprovalTime is the latency sample folded into the running mean when
// Approved is set.
type StatsDelta struct {
	Initiated    int64
	Approved     int64
	Rejected     int64
	Expired      int64
	ApprovalTime time.Duration
}

// Wallet is the per-workspace multi-signature aggregate.
type Wallet struct {
	WorkspaceID       string
	Name              string
	DefaultQuorum     QuorumPolicy
	ThresholdRules    []ThresholdRule
	AuthorizedSigners []Signer
	Stats             Stats
	IsActive          bool
}

// Validate checks the wallet policy invariants.
func (w *Wallet) Validate() error {
	if strings.TrimSpace(w.WorkspaceID) == "" {
		return apperrors.New(apperrors.CodeSignerRosterInvalid, "workspace id is required")
	}
	n := len(w.AuthorizedSigners)
	if n == 0 {
		return apperrors.New(apperrors.CodeSignerRosterInvalid, "wallet requires at least one authorized signer")
	}
	seen := make(map[string]struct{}, n)
	for _, signer := range w.AuthorizedSigners {
		userID := strings.TrimSpace(signer.UserID)
		if userID == "" {
			return apperrors.New(apperrors.CodeSignerRosterInvalid, "signer user id is required")
		}
		if _, dup := seen[userID]; dup {
			return apperrors.WithMetadata(apperrors.CodeSignerRosterInvalid, "duplicate signer in roster", map[string]string{
				"user_id": userID,
			})
		}
		seen[userID] = struct{}{}
	}
	if w.DefaultQuorum.M < 1 || w.DefaultQuorum.M > w.EligibleSignerCount() {
		return apperrors.New(apperrors.CodeQuorumInvalid, "default quorum must satisfy 1 <= m <= n")
	}
	for _, rule := range w.ThresholdRules {
		if rule.MinAmount < 0 {
			return apperrors.New(apperrors.CodeThresholdRuleInvalid, "threshold rule min amount must not be negative")
		}
		if rule.RequiredM < 1 || rule.RequiredM > w.EligibleSignerCount() {
			return apperrors.New(apperrors.CodeThresholdRuleInvalid, "threshold rule required m must satisfy 1 <= m <= n")
		}
	}
	return nil
}

// SignerByID returns the roster entry for a user, if present.
func (w *Wallet) SignerByID(userID string) (Signer, bool) {
	userID = strings.TrimSpace(userID)
	for _, signer := range w.AuthorizedSigners {
		if signer.UserID == userID {
			return signer, true
		}
	}
	return Signer{}, false
}

// EligibleSignerCount is the n in m-of-n: roster members allowed to approve.
func (w *Wallet) EligibleSignerCount() int {
	count := 0
	for _, signer := range w.AuthorizedSigners {
		if signer.CanApprove {
			count++
		}
	}
	return count
}

// EligibleSignerIDs lists roster members allowed to approve.
func (w *Wallet) EligibleSignerIDs() []string {
	ids := make([]string, 0, len(w.AuthorizedSigners))
	for _, signer := range w.AuthorizedSigners {
		if signer.CanApprove {
			ids = append(ids, signer.UserID)
		}
	}
	return ids
}
