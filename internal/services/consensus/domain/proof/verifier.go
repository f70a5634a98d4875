// Package proof verifies the cryptographic proofs signers present when
// approving a quorum-gated operation. Each verification round mints a
// fresh operation-and-signer-bound challenge, dispatches to the verifier
// for the presented proof type, and records a stable proof commitment on
// success. Expected validation failures come back as Result values;
// errors are reserved for malformed input and infrastructure faults.
package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
	"github.com/vaultline/vaultline/internal/platform/timeouts"
)

// Request carries one proof submission.
type Request struct {
	UserID      string
	ProofType   Type
	ProofData   []byte
	OperationID string
	Payload     []byte
}

// Result is the outcome of one verification round.
type Result struct {
	Valid     bool
	Reason    string
	ProofHash string
	Method    string
}

// Directory resolves the credentials registered out of band for a signer.
// Absent credentials are reported as errors by the implementation.
type Directory interface {
	PasswordDigest(ctx context.Context, userID string) (string, error)
	TOTPSecret(ctx context.Context, userID string) ([]byte, error)
	HardwareCredential(ctx context.Context, userID string) (webauthn.Credential, error)
	BiometricTemplate(ctx context.Context, userID, deviceID string) (string, error)
	SigningKey(ctx context.Context, userID string) (any, error)
}

// AssertionVerifier checks an authenticator assertion signature against a
// registered hardware credential. The concrete implementation calls out
// to the platform's key registry.
type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, credential webauthn.Credential, assertion *protocol.ParsedCredentialAssertionData) error
}

// CertificateValidator performs external certificate chain and revocation
// validation for PKI proofs.
type CertificateValidator interface {
	ValidateChain(ctx context.Context, userID string) error
}

// Config tunes the verifier.
type Config struct {
	ChallengeTTL       time.Duration
	AllowedOrigins     []string
	AllowedAlgorithms  []string
	MinConfidence      float64
	FreshnessWindow    time.Duration
	ValidationTimeout  time.Duration
	SupportedBiometric []string
}

func (c Config) normalized() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = DefaultChallengeTTL
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.95
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 5 * time.Minute
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = timeouts.ExternalValidation
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = []string{"EdDSA", "ES256", "RS256"}
	}
	if len(c.SupportedBiometric) == 0 {
		c.SupportedBiometric = []string{"FINGERPRINT", "FACE", "IRIS"}
	}
	return c
}

// Verifier performs stateless-per-call proof verification. Challenge
// bookkeeping lives in the injected ChallengeStore.
type Verifier struct {
	cfg        Config
	challenges *ChallengeStore
	directory  Directory
	assertions AssertionVerifier
	certs      CertificateValidator
	now        func() time.Time
}

// NewVerifier wires a proof verifier. The challenge store is required; the
// assertion verifier and certificate validator may be nil when the
// corresponding proof types are not deployed.
func NewVerifier(cfg Config, challenges *ChallengeStore, directory Directory, assertions AssertionVerifier, certs CertificateValidator) (*Verifier, error) {
	if challenges == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("signer directory is required")
	}
	return &Verifier{
		cfg:        cfg.normalized(),
		challenges: challenges,
		directory:  directory,
		assertions: assertions,
		certs:      certs,
		now:        time.Now,
	}, nil
}

// WithClock overrides the verifier clock. Intended for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify runs one verification round. A fresh challenge bound to
// (operation, signer) is minted first; the proof must have been computed
// against it. On success the challenge is consumed so the same proof
// cannot be replayed.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	userID := strings.TrimSpace(req.UserID)
	operationID := strings.TrimSpace(req.OperationID)
	if userID == "" || operationID == "" {
		return Result{}, apperrors.New(apperrors.CodeProofMalformed, "user id and operation id are required")
	}
	if len(req.ProofData) == 0 {
		return Result{}, apperrors.New(apperrors.CodeProofMalformed, "proof data is required")
	}

	challenge, err := v.challenges.Issue(operationID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("issue challenge: %w", err)
	}

	var result Result
	switch req.ProofType {
	case TypePassword:
		result, err = v.verifyPassword(ctx, req, challenge)
	case TypeTOTP:
		result, err = v.verifyTOTP(ctx, req, challenge)
	case TypeHardwareKey:
		result, err = v.verifyHardwareKey(ctx, req, challenge)
	case TypeBiometric:
		result, err = v.verifyBiometric(ctx, req, challenge)
	case TypePKI:
		result, err = v.verifyPKI(ctx, req, challenge)
	default:
		return Result{}, apperrors.WithMetadata(apperrors.CodeProofTypeUnsupported, "unsupported proof type", map[string]string{
			"proof_type": string(req.ProofType),
		})
	}
	if err != nil {
		return Result{}, err
	}
	if !result.Valid {
		return result, nil
	}

	if err := v.challenges.Consume(challenge.Hash); err != nil {
		return Result{Valid: false, Reason: "challenge replayed"}, nil
	}
	result.ProofHash = proofCommitment(req, challenge)
	return result, nil
}

// proofCommitment derives the stable hash recorded as the signature hash:
// one value binding signer, operation, challenge, and payload.
func proofCommitment(req Request, challenge Challenge) string {
	payloadDigest := sha256.Sum256(req.Payload)
	digest := sha256.Sum256([]byte(strings.Join([]string{
		string(req.ProofType),
		req.UserID,
		req.OperationID,
		challenge.Hash,
		hex.EncodeToString(payloadDigest[:]),
	}, "|")))
	return hex.EncodeToString(digest[:])
}

// externalCtx bounds calls to external validators. Timeouts surface as
// verification failures, never as operation-fatal errors.
func (v *Verifier) externalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.cfg.ValidationTimeout)
}
