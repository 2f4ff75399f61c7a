package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ceatool/internal/domain"
)

// Writer appends to and reads from the local activity journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. TS is filled in when empty.
func (w Writer) Append(ctx context.Context, evt domain.Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.TS == "" {
		evt.TS = w.Now().UTC().Format(time.RFC3339)
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,tool,job_id,scenario,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.Tool), nullable(evt.JobID), nullable(evt.Scenario), string(data))
	return err
}

// Tail returns the latest n events, newest first, optionally for one tool.
func (w Writer) Tail(ctx context.Context, n int, tool string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(tool,''),COALESCE(job_id,''),COALESCE(scenario,''),payload_json FROM events`
	args := []any{}
	if tool != "" {
		query += ` WHERE tool=?`
		args = append(args, tool)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Tool, &e.JobID, &e.Scenario, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
