// Package storage defines the persistence interfaces the consensus
// service depends on: the wallet and operation store, the append-only
// audit trail, and the outbound event queue. Implementations live in
// subpackages.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vaultline/vaultline/internal/services/consensus/domain/wallet"
)

// Action labels one audit trail entry. Every state transition produces
// exactly one record; failed signature attempts are recorded distinctly
// to preserve the forensic history.
type Action string

const (
	ActionInitiation      Action = "INITIATION"
	ActionSignature       Action = "SIGNATURE"
	ActionFailedSignature Action = "FAILED_SIGNATURE"
	ActionRejection       Action = "REJECTION"
	ActionExecution       Action = "EXECUTION"
	ActionEscalation      Action = "ESCALATION"
	ActionExpiration      Action = "EXPIRATION"
)

// TraceRecord is one append-only audit entry. ChainHash links the record
// to its predecessor for the same operation; PrevHash is empty on the
// first record of a chain.
type TraceRecord struct {
	Seq         int64
	TraceID     string
	OperationID string
	WorkspaceID string
	Action      Action
	ActorID     string
	Detail      map[string]any
	PrevHash    string
	ChainHash   string
	RecordedAt  time.Time
}

// IntegrityReport is the outcome of verifying one operation's audit chain.
type IntegrityReport struct {
	Valid   bool
	Reason  string
	TraceID string
}

// Event is one outbound notification row. Delivery is pull-based: a
// dispatcher drains pending rows and acknowledges them, making delivery
// semantics explicit instead of relying on in-process listeners.
type Event struct {
	ID           int64
	Name         string
	OperationID  string
	WorkspaceID  string
	Payload      json.RawMessage
	Status       string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Event queue statuses.
const (
	EventStatusPending    = "pending"
	EventStatusDispatched = "dispatched"
)

// Credential types registered for signers. Registration happens out of
// band; this store only resolves secrets during proof verification.
const (
	CredentialPasswordDigest    = "password_digest"
	CredentialTOTPSecret        = "totp_secret"
	CredentialWebAuthn          = "webauthn_credential"
	CredentialBiometricTemplate = "biometric_template"
	CredentialSigningKey        = "signing_key"
)

// CredentialStore resolves signer credentials for proof verification.
// Keys are (userID, credentialType, deviceID); deviceID is empty for
// credential types that are not device-scoped.
type CredentialStore interface {
	PutCredential(ctx context.Context, userID, credentialType, deviceID string, secret []byte) error
	GetCredential(ctx context.Context, userID, credentialType, deviceID string) ([]byte, error)
}

// WalletStore persists wallet aggregates and their rolling statistics.
type WalletStore interface {
	CreateWallet(ctx context.Context, w wallet.Wallet) error
	GetWallet(ctx context.Context, workspaceID string) (wallet.Wallet, error)
	SetWalletActive(ctx context.Context, workspaceID string, active bool) error
	BumpWalletStats(ctx context.Context, workspaceID string, delta wallet.StatsDelta) error
}

// OperationStore persists quorum-gated operations. SaveOperation applies
// optimistic concurrency: the write succeeds only when the stored version
// matches expectedVersion, otherwise it fails with a version conflict and
// the caller reloads and retries.
type OperationStore interface {
	CreateOperation(ctx context.Context, op wallet.Operation) error
	GetOperation(ctx context.Context, operationID string) (wallet.Operation, error)
	SaveOperation(ctx context.Context, op wallet.Operation, expectedVersion int64) (wallet.Operation, error)

	// ListStalledPending returns pending operations whose last action
	// (escalation, else newest signature, else initiation) is at or
	// before the cutoff.
	ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]wallet.Operation, error)
	// ListPendingExpiredBefore returns pending operations whose deadline
	// passed before the cutoff.
	ListPendingExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]wallet.Operation, error)
	// ListPendingExpiringBetween returns pending operations whose
	// deadline falls inside (from, to].
	ListPendingExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]wallet.Operation, error)
	// ListRecentOperationIDs returns distinct operation ids touched at or
	// after the cutoff, newest first.
	ListRecentOperationIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// AuditStore is the append-only forensic trail. Records are never
// updated or deleted.
type AuditStore interface {
	AppendTrace(ctx context.Context, record TraceRecord) (TraceRecord, error)
	ListTraces(ctx context.Context, operationID string) ([]TraceRecord, error)
	VerifyChainIntegrity(ctx context.Context, operationID string) (IntegrityReport, error)
}

// OutboxStore is the outbound event queue.
type OutboxStore interface {
	EnqueueEvent(ctx context.Context, event Event) error
	ListPendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventDispatched(ctx context.Context, eventID int64) error
}

// Store aggregates every persistence concern the orchestrator and
// reconciler need.
type Store interface {
	WalletStore
	OperationStore
	AuditStore
	OutboxStore
	CredentialStore
}
