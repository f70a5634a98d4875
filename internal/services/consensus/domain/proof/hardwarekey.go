package proof

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// verifyHardwareKey validates a WebAuthn authenticator assertion. The
// proof data is the raw credential request response JSON produced by the
// client; the embedded client-data challenge must be the minted challenge
// hash, the origin must be allow-listed, and the authenticator must
// report user presence. The assertion signature itself is checked against
// the registered credential by the injected verifier.
func (v *Verifier) verifyHardwareKey(ctx context.Context, req Request, challenge Challenge) (Result, error) {
	if v.assertions == nil {
		return Result{}, fmt.Errorf("assertion verifier is not configured")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(req.ProofData)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeProofMalformed, "parse authenticator assertion", err)
	}

	clientData := parsed.Response.CollectedClientData
	if clientData.Type != protocol.AssertCeremony {
		return Result{Valid: false, Reason: "client data is not an assertion ceremony"}, nil
	}
	if clientData.Challenge != challenge.Hash {
		return Result{Valid: false, Reason: "embedded challenge does not match minted challenge"}, nil
	}
	if !v.originAllowed(clientData.Origin) {
		return Result{Valid: false, Reason: "origin is not allow-listed"}, nil
	}
	if !parsed.Response.AuthenticatorData.Flags.HasUserPresent() {
		return Result{Valid: false, Reason: "authenticator did not report user presence"}, nil
	}

	credential, err := v.directory.HardwareCredential(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load hardware credential: %w", err)
	}

	externalCtx, cancel := v.externalCtx(ctx)
	defer cancel()
	if err := v.assertions.VerifyAssertion(externalCtx, credential, parsed); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Valid: false, Reason: "assertion verification timed out"}, nil
		}
		return Result{Valid: false, Reason: "assertion signature verification failed"}, nil
	}

	return Result{Valid: true, Method: "webauthn-assertion"}, nil
}

func (v *Verifier) originAllowed(origin string) bool {
	for _, allowed := range v.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
