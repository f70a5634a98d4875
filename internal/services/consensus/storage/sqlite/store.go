// Package sqlite implements consensus persistence over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/vaultline/vaultline/internal/platform/storage/sqlitemigrate"
	"github.com/vaultline/vaultline/internal/services/consensus/domain/proof"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
	"github.com/vaultline/vaultline/internal/services/consensus/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements consensus persistence over SQLite.
//
// A single SQLite file backs wallets, operations, the audit trail, and the
// event outbox so quorum writes and their forensic records share one
// transaction boundary.
type Store struct {
	sqlDB *sql.DB
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB returns the raw database handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a consensus SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite only honors the _pragma form; bare parameters
	// would leave the database on the default journal with no busy wait.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// runMigrations applies embedded DDL snapshots for known schema versions.
func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS)
}

func marshalProofTypes(types []proof.Type) (string, error) {
	if len(types) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(types)
	if err != nil {
		return "", fmt.Errorf("marshal proof types: %w", err)
	}
	return string(encoded), nil
}

func unmarshalProofTypes(value string) ([]proof.Type, error) {
	if strings.TrimSpace(value) == "" || value == "[]" {
		return nil, nil
	}
	var types []proof.Type
	if err := json.Unmarshal([]byte(value), &types); err != nil {
		return nil, fmt.Errorf("unmarshal proof types: %w", err)
	}
	return types, nil
}

func marshalStringList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(encoded), nil
}

func unmarshalStringList(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" || value == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(value), &values); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return values, nil
}

var _ storage.Store = (*Store)(nil)
