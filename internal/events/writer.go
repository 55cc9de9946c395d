package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Recorder receives engine events. The journal is an audit trail; the logs
// and vault documents stay authoritative.
type Recorder interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Nop discards events.
type Nop struct{}

func (Nop) Append(context.Context, string, string, string, string, EventPayload) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
