package proof

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// passwordProof is the wire shape of a PASSWORD submission. The client
// hashes its registered password digest with a salt and the minted
// challenge; the server recomputes the same value.
type passwordProof struct {
	PasswordHash string `json:"passwordHash"`
	Salt         string `json:"salt"`
	Challenge    string `json:"challenge"`
	Timestamp    int64  `json:"timestamp"`
}

func (v *Verifier) verifyPassword(ctx context.Context, req Request, challenge Challenge) (Result, error) {
	var submitted passwordProof
	if err := json.Unmarshal(req.ProofData, &submitted); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeProofMalformed, "decode password proof", err)
	}
	if submitted.PasswordHash == "" || submitted.Salt == "" || submitted.Challenge == "" {
		return Result{Valid: false, Reason: "password proof is structurally incomplete"}, nil
	}
	if submitted.Challenge != challenge.Hash {
		return Result{Valid: false, Reason: "challenge mismatch"}, nil
	}

	submittedAt := time.UnixMilli(submitted.Timestamp).UTC()
	now := v.now().UTC()
	if submittedAt.Before(now.Add(-v.cfg.FreshnessWindow)) || submittedAt.After(now.Add(v.cfg.FreshnessWindow)) {
		return Result{Valid: false, Reason: "password proof outside freshness window"}, nil
	}

	digest, err := v.directory.PasswordDigest(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load password digest: %w", err)
	}

	expected := sha256.Sum256([]byte(digest + ":" + submitted.Salt + ":" + challenge.Hash))
	expectedHex := hex.EncodeToString(expected[:])
	if subtle.ConstantTimeCompare([]byte(expectedHex), []byte(submitted.PasswordHash)) != 1 {
		return Result{Valid: false, Reason: "password verification failed"}, nil
	}
	return Result{Valid: true, Method: "password-challenge"}, nil
}
