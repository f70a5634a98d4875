// Package id generates compact, URL-safe unique identifiers.
//
// Identifiers are UUIDv4 values encoded as 26-character lowercase base32
// without padding. Uniqueness of persisted identifiers is ultimately
// enforced by store primary keys; the random generation only keeps
// collisions improbable before the write.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character lowercase base32 identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// NewOperationID returns an operation identifier carrying workspace and
// operation-type context for log readability. The random suffix keeps the
// value unique; the store's primary key makes uniqueness authoritative.
func NewOperationID(workspaceID, operationType string) (string, error) {
	suffix, err := NewID()
	if err != nil {
		return "", err
	}
	workspaceID = strings.TrimSpace(workspaceID)
	operationType = strings.ToLower(strings.TrimSpace(operationType))
	if workspaceID == "" || operationType == "" {
		return "", fmt.Errorf("workspace id and operation type are required")
	}
	return fmt.Sprintf("op-%s-%s-%s", workspaceID, operationType, suffix), nil
}
