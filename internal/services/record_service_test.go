package services

import (
	"context"
	"testing"
	"time"

	"forma/internal/bus"

	"github.com/google/uuid"
)

func TestRecordServiceCreateAppAndType(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewRecordService(db, nil, quietLogger())
	ctx := context.Background()

	actor := uuid.New()
	app, err := svc.CreateApp(ctx, "inventory", actor)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	if _, err := svc.CreateApp(ctx, "  ", actor); err == nil {
		t.Fatal("blank app name must be rejected")
	}

	rt, err := svc.CreateType(ctx, app.ID, "Items")
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	if _, err := svc.CreateType(ctx, uuid.New(), "Orphan"); err == nil {
		t.Fatal("type creation against a missing app must fail")
	}

	f1, err := svc.CreateField(ctx, rt.ID, "Name", "")
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	if f1.Kind != "text" {
		t.Fatalf("empty kind should default to text, got %q", f1.Kind)
	}
	f2, err := svc.CreateField(ctx, rt.ID, "Qty", "number")
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	if f1.Position != 0 || f2.Position != 1 {
		t.Fatalf("field positions out of order: %d, %d", f1.Position, f2.Position)
	}

	loaded, err := svc.GetType(ctx, rt.ID)
	if err != nil {
		t.Fatalf("get type: %v", err)
	}
	if len(loaded.Fields) != 2 {
		t.Fatalf("expected 2 preloaded fields, got %d", len(loaded.Fields))
	}
}

func TestRecordServiceLifecyclePublishesUnmarkedEvents(t *testing.T) {
	db := newEngineTestDB(t)
	_, rt, field := seedApp(t, db)

	eventBus := bus.New(16, quietLogger())
	go eventBus.Run()
	defer eventBus.Close()
	published := make(chan bus.RecordEvent, 8)
	eventBus.Subscribe(func(evt bus.RecordEvent) { published <- evt })

	svc := NewRecordService(db, eventBus, quietLogger())
	ctx := context.Background()
	actor := uuid.New()

	rec, err := svc.CreateRecord(ctx, rt.ID, map[string]interface{}{field.ID.String(): "pen"}, actor)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	evt := recvEvent(t, published)
	if evt.Kind != bus.EventRecordCreated || evt.RecordID != rec.ID {
		t.Fatalf("unexpected create event: %+v", evt)
	}
	if evt.FromAutomation {
		t.Fatal("direct CRUD events must not carry the automation-origin marker")
	}
	if evt.ActorID != actor {
		t.Fatalf("actor lost: %s", evt.ActorID)
	}

	updated, err := svc.UpdateRecord(ctx, rec.ID, map[string]interface{}{"extra": true}, actor)
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if updated.Data[field.ID.String()] != "pen" {
		t.Fatalf("merge dropped existing key: %+v", updated.Data)
	}
	evt = recvEvent(t, published)
	if evt.Kind != bus.EventRecordUpdated {
		t.Fatalf("expected record_updated, got %s", evt.Kind)
	}
	if _, ok := evt.PrevData["extra"]; ok {
		t.Fatalf("previous payload should predate the update: %+v", evt.PrevData)
	}

	if err := svc.DeleteRecord(ctx, rec.ID, actor); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	evt = recvEvent(t, published)
	if evt.Kind != bus.EventRecordDeleted {
		t.Fatalf("expected record_deleted, got %s", evt.Kind)
	}
	if evt.Data[field.ID.String()] != "pen" {
		t.Fatalf("delete event lost last-known payload: %+v", evt.Data)
	}

	if _, err := svc.GetRecord(ctx, rec.ID); err == nil {
		t.Fatal("record should be gone")
	}
}

func TestRecordServiceListOrdersByCreation(t *testing.T) {
	db := newEngineTestDB(t)
	_, rt, _ := seedApp(t, db)

	svc := NewRecordService(db, nil, quietLogger())
	ctx := context.Background()

	first, err := svc.CreateRecord(ctx, rt.ID, map[string]interface{}{"n": 1}, uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := svc.CreateRecord(ctx, rt.ID, map[string]interface{}{"n": 2}, uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}

	records, err := svc.ListRecords(ctx, rt.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 || records[0].ID != first.ID || records[1].ID != second.ID {
		t.Fatalf("unexpected listing order: %+v", records)
	}
}

func recvEvent(t *testing.T, ch <-chan bus.RecordEvent) bus.RecordEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.RecordEvent{}
	}
}
