package events_test

import (
	"context"
	"testing"
	"time"

	"jobledger/internal/db"
	"jobledger/internal/events"
	"jobledger/internal/migrate"
)

func TestAppendAssignsRowIDs(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	w := events.Writer{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600)) }}
	first, err := w.Append(ctx, tx, "Paused", "marketplace", "", "owner", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := w.Append(ctx, tx, "Unpaused", "marketplace", "", "owner", events.EventPayload{"note": "back"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID <= 0 || second.ID != first.ID+1 {
		t.Fatalf("expected consecutive row ids, got %d and %d", first.ID, second.ID)
	}
	if first.TS != "2023-12-31T23:00:00Z" || first.Payload != "{}" {
		t.Fatalf("unexpected event %+v", first)
	}
	p, err := events.Decode(second)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p["note"] != "back" {
		t.Fatalf("unexpected payload %v", p)
	}
}
