// Package execlog records the append-only execution history of developer
// stories. Rows are never updated or deleted.
package execlog

import (
	"context"
	"fmt"
	"time"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

type Writer struct {
	Now func() time.Time
}

func NewWriter(now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{Now: now}
}

// Entry is the optional payload attached to an event.
type Entry struct {
	Details      *string
	ErrorMessage *string
	MetadataJSON *string
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Append writes one event for the story inside the caller's transaction.
func (w *Writer) Append(ctx context.Context, q repo.DBTX, storyID string, eventType domain.LogEventType, e Entry) error {
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, `
		INSERT INTO execution_logs (story_id, event_type, ts, details, error_message, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		storyID, eventType, ts, nullable(e.Details), nullable(e.ErrorMessage), nullable(e.MetadataJSON))
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// Tail returns the most recent events for a story, newest first.
func (w *Writer) Tail(ctx context.Context, q repo.DBTX, storyID string, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, story_id, event_type, ts, details, error_message, metadata_json
		FROM execution_logs
		WHERE story_id = ?
		ORDER BY id DESC
		LIMIT ?`, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail execution log: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		var details, errMsg, metadata *string
		if err := rows.Scan(&l.ID, &l.StoryID, &l.EventType, &l.TS, &details, &errMsg, &metadata); err != nil {
			return nil, err
		}
		l.Details = details
		l.ErrorMessage = errMsg
		l.MetadataJSON = metadata
		out = append(out, l)
	}
	return out, rows.Err()
}
