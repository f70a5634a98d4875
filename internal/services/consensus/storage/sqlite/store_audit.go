package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vaultline/vaultline/internal/platform/id"
	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

// traceEnvelope is the canonical hashed representation of one audit
// record. Field order is fixed here so the chain hash cannot drift
// between writers and verifiers.
type traceEnvelope struct {
	TraceID     string          `json:"trace_id"`
	OperationID string          `json:"operation_id"`
	WorkspaceID string          `json:"workspace_id"`
	Action      string          `json:"action"`
	ActorID     string          `json:"actor_id"`
	Detail      json.RawMessage `json:"detail"`
	RecordedAt  int64           `json:"recorded_at"`
}

// chainHash links a record to its predecessor. The first record of an
// operation's chain hashes against an empty previous hash.
func chainHash(record storage.TraceRecord, detailJSON string, prevHash string) (string, error) {
	envelope := traceEnvelope{
		TraceID:     record.TraceID,
		OperationID: record.OperationID,
		WorkspaceID: record.WorkspaceID,
		Action:      string(record.Action),
		ActorID:     record.ActorID,
		Detail:      json.RawMessage(detailJSON),
		RecordedAt:  toMillis(record.RecordedAt),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal trace envelope: %w", err)
	}
	sum := sha256.Sum256(append([]byte(prevHash+"\n"), encoded...))
	return hex.EncodeToString(sum[:]), nil
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal trace detail: %w", err)
	}
	return string(encoded), nil
}

// AppendTrace writes one audit record, linking it to the previous record
// of the same operation. The trace id and chain hashes are assigned here;
// callers supply only the business fields.
func (s *Store) AppendTrace(ctx context.Context, record storage.TraceRecord) (storage.TraceRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.TraceRecord{}, fmt.Errorf("store is not initialized")
	}
	if strings.TrimSpace(record.OperationID) == "" {
		return storage.TraceRecord{}, fmt.Errorf("operation id is required")
	}
	if record.Action == "" {
		return storage.TraceRecord{}, fmt.Errorf("trace action is required")
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	if strings.TrimSpace(record.TraceID) == "" {
		traceID, err := id.NewID()
		if err != nil {
			return storage.TraceRecord{}, fmt.Errorf("new trace id: %w", err)
		}
		record.TraceID = traceID
	}

	detailJSON, err := marshalDetail(record.Detail)
	if err != nil {
		return storage.TraceRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.TraceRecord{}, fmt.Errorf("begin append trace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevHash string
	row := tx.QueryRowContext(ctx, `
SELECT chain_hash FROM audit_traces
WHERE operation_id = ? ORDER BY seq DESC LIMIT 1
`, record.OperationID)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return storage.TraceRecord{}, fmt.Errorf("query previous trace: %w", err)
	}
	record.PrevHash = prevHash

	hash, err := chainHash(record, detailJSON, prevHash)
	if err != nil {
		return storage.TraceRecord{}, err
	}
	record.ChainHash = hash

	result, err := tx.ExecContext(ctx, `
INSERT INTO audit_traces (trace_id, operation_id, workspace_id, action, actor_id, detail, prev_hash, chain_hash, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.TraceID, record.OperationID, record.WorkspaceID, string(record.Action),
		record.ActorID, detailJSON, record.PrevHash, record.ChainHash, toMillis(record.RecordedAt),
	)
	if err != nil {
		return storage.TraceRecord{}, fmt.Errorf("insert audit trace: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.TraceRecord{}, fmt.Errorf("audit trace seq: %w", err)
	}
	record.Seq = seq

	if err := tx.Commit(); err != nil {
		return storage.TraceRecord{}, fmt.Errorf("commit append trace: %w", err)
	}
	return record, nil
}

// ListTraces returns an operation's audit records in chain order.
func (s *Store) ListTraces(ctx context.Context, operationID string) ([]storage.TraceRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, trace_id, operation_id, workspace_id, action, actor_id, detail, prev_hash, chain_hash, recorded_at
FROM audit_traces WHERE operation_id = ? ORDER BY seq
`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query audit traces: %w", err)
	}
	defer rows.Close()

	var records []storage.TraceRecord
	for rows.Next() {
		var record storage.TraceRecord
		var action, detailJSON string
		var recordedAt int64
		if err := rows.Scan(&record.Seq, &record.TraceID, &record.OperationID, &record.WorkspaceID,
			&action, &record.ActorID, &detailJSON, &record.PrevHash, &record.ChainHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit trace: %w", err)
		}
		record.Action = storage.Action(action)
		record.RecordedAt = fromMillis(recordedAt)
		if detailJSON != "" && detailJSON != "{}" {
			if err := json.Unmarshal([]byte(detailJSON), &record.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal trace detail: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// VerifyChainIntegrity recomputes every chain hash for an operation's
// trail and reports the first broken link, if any. An operation with no
// records verifies as valid.
func (s *Store) VerifyChainIntegrity(ctx context.Context, operationID string) (storage.IntegrityReport, error) {
	if s == nil || s.sqlDB == nil {
		return storage.IntegrityReport{}, fmt.Errorf("store is not initialized")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT trace_id, operation_id, workspace_id, action, actor_id, detail, prev_hash, chain_hash, recorded_at
FROM audit_traces WHERE operation_id = ? ORDER BY seq
`, strings.TrimSpace(operationID))
	if err != nil {
		return storage.IntegrityReport{}, fmt.Errorf("query audit traces: %w", err)
	}
	defer rows.Close()

	expectedPrev := ""
	for rows.Next() {
		var record storage.TraceRecord
		var action, detailJSON string
		var recordedAt int64
		if err := rows.Scan(&record.TraceID, &record.OperationID, &record.WorkspaceID,
			&action, &record.ActorID, &detailJSON, &record.PrevHash, &record.ChainHash, &recordedAt); err != nil {
			return storage.IntegrityReport{}, fmt.Errorf("scan audit trace: %w", err)
		}
		record.Action = storage.Action(action)
		record.RecordedAt = fromMillis(recordedAt)

		if record.PrevHash != expectedPrev {
			return storage.IntegrityReport{
				Valid:   false,
				Reason:  "previous hash does not match chain order",
				TraceID: record.TraceID,
			}, nil
		}
		recomputed, err := chainHash(record, detailJSON, record.PrevHash)
		if err != nil {
			return storage.IntegrityReport{}, err
		}
		if recomputed != record.ChainHash {
			return storage.IntegrityReport{
				Valid:   false,
				Reason:  "chain hash does not match record content",
				TraceID: record.TraceID,
			}, nil
		}
		expectedPrev = record.ChainHash
	}
	if err := rows.Err(); err != nil {
		return storage.IntegrityReport{}, fmt.Errorf("iterate audit traces: %w", err)
	}

	return storage.IntegrityReport{Valid: true}, nil
}
