package wallet

import "strings"

// Status describes the operation lifecycle label used by domain decisions.
type Status string

const (
	StatusUnspecified Status = ""
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusExpired     Status = "EXPIRED"
	StatusExecuted    Status = "EXECUTED"
)

// ParseStatus canonicalizes status labels for stable persistence.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, true
	case StatusApproved:
		return StatusApproved, true
	case StatusRejected:
		return StatusRejected, true
	case StatusExpired:
		return StatusExpired, true
	case StatusExecuted:
		return StatusExecuted, true
	default:
		return StatusUnspecified, false
	}
}

// isStatusTransitionAllowed enforces valid operation lifecycle transitions.
// No state is re-enterable; every path other than the four listed edges
// fails closed.
func isStatusTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected || to == StatusExpired
	case StatusApproved:
		return to == StatusExecuted
	default:
		return false
	}
}

// IsStatusTransitionAllowed reports whether a status transition is permitted.
func IsStatusTransitionAllowed(from, to Status) bool {
	return isStatusTransitionAllowed(from, to)
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusExecuted
}

// IsResolved reports whether the operation left the PENDING state.
func (s Status) IsResolved() bool {
	return s != StatusPending && s != StatusUnspecified
}
