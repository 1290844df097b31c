package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"applyflow-engine/internal/domain"

	"github.com/google/uuid"
)

func (d *DB) AppendEvent(ctx context.Context, e domain.SessionEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	payload := "{}"
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(b)
	}

	_, err := d.Pool.ExecContext(ctx, `
INSERT INTO session_events (id, session_id, type, message, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?);`,
		e.ID.String(), e.SessionID.String(), e.Type, e.Message, payload,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (d *DB) ListEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.Pool.QueryContext(ctx, `
SELECT id, session_id, type, message, payload, created_at
FROM session_events
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT ?;`, sessionID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionEvent
	for rows.Next() {
		var e domain.SessionEvent
		var idStr, sidStr, payload, createdStr string
		if err := rows.Scan(&idStr, &sidStr, &e.Type, &e.Message, &payload, &createdStr); err != nil {
			return nil, err
		}
		e.ID, _ = uuid.Parse(idStr)
		e.SessionID, _ = uuid.Parse(sidStr)
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		out = append(out, e)
	}
	return out, rows.Err()
}
