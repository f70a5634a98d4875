package app

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

// storeDirectory resolves signer credentials from the credential store.
// It satisfies the proof verifier's directory contract; registration of
// the underlying secrets happens out of band.
type storeDirectory struct {
	store storage.CredentialStore
}

// NewStoreDirectory adapts the credential store to the proof verifier.
func NewStoreDirectory(store storage.CredentialStore) *storeDirectory {
	return &storeDirectory{store: store}
}

func (d *storeDirectory) PasswordDigest(ctx context.Context, userID string) (string, error) {
	secret, err := d.store.GetCredential(ctx, userID, storage.CredentialPasswordDigest, "")
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (d *storeDirectory) TOTPSecret(ctx context.Context, userID string) ([]byte, error) {
	return d.store.GetCredential(ctx, userID, storage.CredentialTOTPSecret, "")
}

func (d *storeDirectory) HardwareCredential(ctx context.Context, userID string) (webauthn.Credential, error) {
	secret, err := d.store.GetCredential(ctx, userID, storage.CredentialWebAuthn, "")
	if err != nil {
		return webauthn.Credential{}, err
	}
	var credential webauthn.Credential
	if err := json.Unmarshal(secret, &credential); err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode hardware credential: %w", err)
	}
	return credential, nil
}

func (d *storeDirectory) BiometricTemplate(ctx context.Context, userID, deviceID string) (string, error) {
	secret, err := d.store.GetCredential(ctx, userID, storage.CredentialBiometricTemplate, deviceID)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (d *storeDirectory) SigningKey(ctx context.Context, userID string) (any, error) {
	secret, err := d.store.GetCredential(ctx, userID, storage.CredentialSigningKey, "")
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(secret)
	if block == nil {
		return nil, fmt.Errorf("signing key for %s is not PEM encoded", userID)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}
