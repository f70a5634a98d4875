package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/vaultline/vaultline/internal/platform/errors"
)

// PutCredential registers or replaces one signer credential.
func (s *Store) PutCredential(ctx context.Context, userID, credentialType, deviceID string, secret []byte) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	userID = strings.TrimSpace(userID)
	credentialType = strings.TrimSpace(credentialType)
	if userID == "" || credentialType == "" {
		return fmt.Errorf("user id and credential type are required")
	}
	if len(secret) == 0 {
		return fmt.Errorf("credential secret is required")
	}

	now := toMillis(time.Now())
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO signer_credentials (user_id, credential_type, device_id, secret, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, credential_type, device_id) DO UPDATE SET
    secret = excluded.secret,
    updated_at = excluded.updated_at
`, userID, credentialType, strings.TrimSpace(deviceID), secret, now, now)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential resolves one signer credential.
func (s *Store) GetCredential(ctx context.Context, userID, credentialType, deviceID string) ([]byte, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}

	var secret []byte
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT secret FROM signer_credentials
WHERE user_id = ? AND credential_type = ? AND device_id = ?
`, strings.TrimSpace(userID), strings.TrimSpace(credentialType), strings.TrimSpace(deviceID))
	if err := row.Scan(&secret); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "credential not found", map[string]string{
				"user_id":         userID,
				"credential_type": credentialType,
			})
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return secret, nil
}
