package proof

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// biometricProof is the wire shape of a BIOMETRIC submission. The device
// attestation binds the match to registered hardware; the template hash
// must equal the enrolled template for that device.
type biometricProof struct {
	BiometricType string  `json:"biometricType"`
	Confidence    float64 `json:"confidence"`
	TemplateHash  string  `json:"templateHash"`
	Attestation   *struct {
		DeviceID  string `json:"deviceId"`
		Signature string `json:"signature"`
	} `json:"attestation"`
}

func (v *Verifier) verifyBiometric(ctx context.Context, req Request, _ Challenge) (Result, error) {
	var submitted biometricProof
	if err := json.Unmarshal(req.ProofData, &submitted); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeProofMalformed, "decode biometric proof", err)
	}

	biometricType := strings.ToUpper(strings.TrimSpace(submitted.BiometricType))
	supported := false
	for _, candidate := range v.cfg.SupportedBiometric {
		if candidate == biometricType {
			supported = true
			break
		}
	}
	if !supported {
		return Result{Valid: false, Reason: "biometric type is not supported"}, nil
	}
	if submitted.Confidence < v.cfg.MinConfidence {
		return Result{Valid: false, Reason: "biometric confidence below threshold"}, nil
	}
	if strings.TrimSpace(submitted.TemplateHash) == "" {
		return Result{Valid: false, Reason: "biometric template hash is missing"}, nil
	}
	if submitted.Attestation == nil || strings.TrimSpace(submitted.Attestation.DeviceID) == "" || strings.TrimSpace(submitted.Attestation.Signature) == "" {
		return Result{Valid: false, Reason: "device attestation is missing"}, nil
	}

	enrolled, err := v.directory.BiometricTemplate(ctx, req.UserID, submitted.Attestation.DeviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load biometric template: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(enrolled), []byte(submitted.TemplateHash)) != 1 {
		return Result{Valid: false, Reason: "biometric template does not match enrollment"}, nil
	}

	return Result{Valid: true, Method: "biometric-attestation"}, nil
}
