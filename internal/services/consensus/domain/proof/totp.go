package proof

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// totpStep is the RFC 6238 time step.
const totpStep = 30

// totpProof is the wire shape of a TOTP submission.
type totpProof struct {
	Token string `json:"token"`
}

func (v *Verifier) verifyTOTP(ctx context.Context, req Request, _ Challenge) (Result, error) {
	var submitted totpProof
	if err := json.Unmarshal(req.ProofData, &submitted); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeProofMalformed, "decode totp proof", err)
	}
	if len(submitted.Token) != 6 {
		return Result{Valid: false, Reason: "totp token must be six digits"}, nil
	}
	for _, r := range submitted.Token {
		if r < '0' || r > '9' {
			return Result{Valid: false, Reason: "totp token must be six digits"}, nil
		}
	}

	secret, err := v.directory.TOTPSecret(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load totp secret: %w", err)
	}

	// Accept the current step plus one step of clock drift in either
	// direction.
	counter := v.now().UTC().Unix() / totpStep
	for _, candidate := range []int64{counter - 1, counter, counter + 1} {
		if candidate < 0 {
			continue
		}
		code := hotp(secret, uint64(candidate))
		if subtle.ConstantTimeCompare([]byte(code), []byte(submitted.Token)) == 1 {
			return Result{Valid: true, Method: "totp-window"}, nil
		}
	}
	return Result{Valid: false, Reason: "totp token did not match"}, nil
}

// hotp computes the RFC 4226 HMAC-SHA1 six digit code for a counter.
func hotp(secret []byte, counter uint64) string {
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(counterBytes[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", truncated%1000000)
}
