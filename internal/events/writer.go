package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobledger/internal/domain"
)

// Writer appends domain events inside the caller's transaction so an event
// is visible exactly when the state change it describes is.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s event: %w", evtType, err)
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, fmt.Errorf("append %s event id: %w", evtType, err)
	}
	return evt, nil
}

// Decode unmarshals an event's JSON payload.
func Decode(evt domain.Event) (EventPayload, error) {
	out := EventPayload{}
	if evt.Payload == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(evt.Payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode event %d payload: %w", evt.ID, err)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
