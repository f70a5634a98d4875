package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vaultline/vaultline/internal/services/consensus/storage"
)

// EnqueueEvent appends one outbound event row in pending status.
func (s *Store) EnqueueEvent(ctx context.Context, event storage.Event) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if strings.TrimSpace(event.Name) == "" {
		return fmt.Errorf("event name is required")
	}
	payload := strings.TrimSpace(string(event.Payload))
	if payload == "" {
		payload = "{}"
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO consensus_outbox (event_name, operation_id, workspace_id, payload, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, event.Name, event.OperationID, event.WorkspaceID, payload, storage.EventStatusPending, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// ListPendingEvents returns undispatched events in enqueue order.
func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]storage.Event, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event_name, operation_id, workspace_id, payload, status, created_at, dispatched_at
FROM consensus_outbox WHERE status = ? ORDER BY id LIMIT ?
`, storage.EventStatusPending, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		var event storage.Event
		var payload string
		var createdAt int64
		var dispatchedAt sql.NullInt64
		if err := rows.Scan(&event.ID, &event.Name, &event.OperationID, &event.WorkspaceID,
			&payload, &event.Status, &createdAt, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		event.Payload = []byte(payload)
		event.CreatedAt = fromMillis(createdAt)
		if dispatchedAt.Valid {
			value := fromMillis(dispatchedAt.Int64)
			event.DispatchedAt = &value
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkEventDispatched acknowledges delivery of one event.
func (s *Store) MarkEventDispatched(ctx context.Context, eventID int64) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE consensus_outbox SET status = ?, dispatched_at = ? WHERE id = ?
`, storage.EventStatusDispatched, toMillis(time.Now()), eventID)
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	return nil
}
