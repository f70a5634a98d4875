package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// pkiClaims is the JWS payload of a PKI submission: a signature over the
// minted challenge, the operation payload digest, and a timestamp.
type pkiClaims struct {
	jwt.RegisteredClaims
	Challenge   string `json:"challenge"`
	PayloadHash string `json:"payload_hash"`
}

func (v *Verifier) verifyPKI(ctx context.Context, req Request, challenge Challenge) (Result, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgorithms),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)

	var claims pkiClaims
	token, err := parser.ParseWithClaims(string(req.ProofData), &claims, func(*jwt.Token) (any, error) {
		return v.directory.SigningKey(ctx, req.UserID)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return Result{}, apperrors.Wrap(apperrors.CodeProofMalformed, "parse pki proof", err)
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Result{Valid: false, Reason: "pki signature verification failed"}, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return Result{Valid: false, Reason: "pki proof outside validity window"}, nil
		}
		return Result{Valid: false, Reason: "pki algorithm is not allow-listed"}, nil
	}
	if !token.Valid {
		return Result{Valid: false, Reason: "pki proof is invalid"}, nil
	}

	if claims.Challenge != challenge.Hash {
		return Result{Valid: false, Reason: "signed challenge does not match minted challenge"}, nil
	}
	payloadDigest := sha256.Sum256(req.Payload)
	if claims.PayloadHash != hex.EncodeToString(payloadDigest[:]) {
		return Result{Valid: false, Reason: "signed payload digest does not match operation payload"}, nil
	}
	if claims.IssuedAt == nil {
		return Result{Valid: false, Reason: "pki proof is missing a timestamp"}, nil
	}
	now := v.now().UTC()
	issuedAt := claims.IssuedAt.Time.UTC()
	if issuedAt.Before(now.Add(-v.cfg.FreshnessWindow)) || issuedAt.After(now.Add(v.cfg.FreshnessWindow)) {
		return Result{Valid: false, Reason: "pki proof outside freshness window"}, nil
	}

	if v.certs != nil {
		externalCtx, cancel := v.externalCtx(ctx)
		defer cancel()
		if err := v.certs.ValidateChain(externalCtx, req.UserID); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Result{Valid: false, Reason: "certificate validation timed out"}, nil
			}
			return Result{Valid: false, Reason: fmt.Sprintf("certificate chain rejected: %v", err)}, nil
		}
	}

	return Result{Valid: true, Method: "pki-jws"}, nil
}
