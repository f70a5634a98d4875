package proof

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

func signPKIProof(t *testing.T, key ed25519.PrivateKey, challenge, payloadHash string, issuedAt time.Time) []byte {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, pkiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Challenge:   challenge,
		PayloadHash: payloadHash,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign pki proof: %v", err)
	}
	return []byte(signed)
}

func payloadHashHex(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

func TestVerifyPKI(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	directory := &fakeDirectory{signingKey: public}
	verifier, store := newTestVerifier(t, directory, at)

	payload := []byte(`{"amount":6000}`)
	challenge, err := store.Issue("op-1", "signer-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	result, err := verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   signPKIProof(t, private, challenge.Hash, payloadHashHex(payload), at),
		OperationID: "op-1",
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid pki proof, got %q", result.Reason)
	}
	if result.Method != "pki-jws" {
		t.Fatalf("unexpected method %q", result.Method)
	}
}

func TestVerifyPKIWrongKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	public, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, otherPrivate, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	directory := &fakeDirectory{signingKey: public}
	verifier, store := newTestVerifier(t, directory, at)

	challenge, err := store.Issue("op-1", "signer-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	result, err := verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   signPKIProof(t, otherPrivate, challenge.Hash, payloadHashHex(nil), at),
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected signature from another key to be rejected")
	}
}

func TestVerifyPKIAlgorithmNotAllowListed(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	directory := &fakeDirectory{signingKey: []byte("hmac-secret")}
	verifier, store := newTestVerifier(t, directory, at)

	challenge, err := store.Issue("op-1", "signer-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, pkiClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(at)},
		Challenge:        challenge.Hash,
		PayloadHash:      payloadHashHex(nil),
	})
	signed, err := token.SignedString([]byte("hmac-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	result, err := verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   []byte(signed),
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected HS256 to be rejected by the allow list")
	}
}

func TestVerifyPKIChallengeMismatch(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	directory := &fakeDirectory{signingKey: public}
	verifier, _ := newTestVerifier(t, directory, at)

	result, err := verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   signPKIProof(t, private, "stale-challenge", payloadHashHex(nil), at),
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected stale challenge to be rejected")
	}
}

func TestVerifyPKIMalformedToken(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	public, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier, _ := newTestVerifier(t, &fakeDirectory{signingKey: public}, at)

	_, err = verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   []byte("not-a-jws"),
		OperationID: "op-1",
	})
	if !apperrors.HasCode(err, apperrors.CodeProofMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestVerifyPKIRevokedCertificate(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := NewChallengeStore(DefaultChallengeTTL).WithClock(fixedClock(at))
	verifier, err := NewVerifier(Config{}, store, &fakeDirectory{signingKey: public}, nil, &fakeCertValidator{err: context.DeadlineExceeded})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	verifier = verifier.WithClock(fixedClock(at))

	challenge, err := store.Issue("op-1", "signer-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// A validator timeout is a verification failure, never a fatal error.
	result, err := verifier.Verify(context.Background(), Request{
		UserID:      "signer-1",
		ProofType:   TypePKI,
		ProofData:   signPKIProof(t, private, challenge.Hash, payloadHashHex(nil), at),
		OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected timed-out chain validation to fail verification")
	}
	if result.Reason != "certificate validation timed out" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}
