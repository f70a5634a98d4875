// Package errors provides structured error handling for consensus operations.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authorization errors
	CodeSignerNotAuthorized Code = "CONSENSUS_SIGNER_NOT_AUTHORIZED"
	CodeInitiateNotAllowed  Code = "CONSENSUS_INITIATE_NOT_ALLOWED"
	CodeApproveNotAllowed   Code = "CONSENSUS_APPROVE_NOT_ALLOWED"
	CodeRejectNotAllowed    Code = "CONSENSUS_REJECT_NOT_ALLOWED"
	CodeWalletInactive      Code = "CONSENSUS_WALLET_INACTIVE"

	// Operation state errors
	CodeOperationInvalidTransition Code = "OPERATION_INVALID_STATUS_TRANSITION"
	CodeOperationNotPending        Code = "OPERATION_NOT_PENDING"
	CodeOperationNotApproved       Code = "OPERATION_NOT_APPROVED"
	CodeOperationExpired           Code = "OPERATION_EXPIRED"
	CodeOperationAlreadySigned     Code = "OPERATION_ALREADY_SIGNED"

	// Proof verification errors
	CodeProofRejected        Code = "PROOF_REJECTED"
	CodeProofTypeUnsupported Code = "PROOF_TYPE_UNSUPPORTED"
	CodeProofTypeNotRequired Code = "PROOF_TYPE_NOT_PERMITTED"
	CodeProofMalformed       Code = "PROOF_MALFORMED"

	// Policy errors
	CodeQuorumInvalid        Code = "POLICY_QUORUM_INVALID"
	CodeThresholdRuleInvalid Code = "POLICY_THRESHOLD_RULE_INVALID"
	CodeSignerRosterInvalid  Code = "POLICY_SIGNER_ROSTER_INVALID"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeDuplicateID     Code = "DUPLICATE_ID"
)

// Class groups codes into the caller-facing error taxonomy.
type Class string

const (
	ClassUnknown           Class = "UNKNOWN"
	ClassAuthorization     Class = "AUTHORIZATION"
	ClassInvalidState      Class = "INVALID_STATE"
	ClassProofVerification Class = "PROOF_VERIFICATION"
	ClassNotFound          Class = "NOT_FOUND"
	ClassPolicy            Class = "POLICY"
	ClassConflict          Class = "CONFLICT"
)

// ClassOf maps a code to its taxonomy class.
func (c Code) ClassOf() Class {
	switch c {
	case CodeSignerNotAuthorized,
		CodeInitiateNotAllowed,
		CodeApproveNotAllowed,
		CodeRejectNotAllowed,
		CodeWalletInactive:
		return ClassAuthorization

	case CodeOperationInvalidTransition,
		CodeOperationNotPending,
		CodeOperationNotApproved,
		CodeOperationExpired,
		CodeOperationAlreadySigned:
		return ClassInvalidState

	case CodeProofRejected,
		CodeProofTypeUnsupported,
		CodeProofTypeNotRequired,
		CodeProofMalformed:
		return ClassProofVerification

	case CodeNotFound:
		return ClassNotFound

	case CodeQuorumInvalid,
		CodeThresholdRuleInvalid,
		CodeSignerRosterInvalid:
		return ClassPolicy

	case CodeVersionConflict,
		CodeDuplicateID:
		return ClassConflict

	default:
		return ClassUnknown
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c.ClassOf() {
	case ClassAuthorization:
		return codes.PermissionDenied
	case ClassInvalidState, ClassProofVerification:
		return codes.FailedPrecondition
	case ClassNotFound:
		return codes.NotFound
	case ClassPolicy:
		return codes.InvalidArgument
	case ClassConflict:
		if c == CodeDuplicateID {
			return codes.AlreadyExists
		}
		return codes.Aborted
	default:
		return codes.Internal
	}
}
