package services

import (
	"context"
	"errors"
	"fmt"

	"forma/internal/bus"
	"forma/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Mutation action types a script may queue.
const (
	ActionCreateRecord = "create_record"
	ActionUpdateRecord = "update_record"
	ActionDeleteRecord = "delete_record"
)

// MutationAction is one instruction emitted by a sandboxed script. Scripts
// never mutate data themselves; the host applies these after the sandbox has
// completed.
type MutationAction struct {
	Type     string                 `json:"type"`
	TypeID   string                 `json:"type_id"`
	RecordID string                 `json:"record_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// applyActions applies queued mutations against the store. Actions whose type
// does not belong to the automation's app, or whose target record is already
// gone, are skipped with a warning log entry and never abort the rest of the
// batch. A store-level failure does abort and escapes to the run pipeline.
// Every mutation republishes a RecordEvent with the re-entrancy marker set.
func (s *AutomationService) applyActions(ctx context.Context, actions []MutationAction, a *models.Automation) (int, []models.RunLogEntry, error) {
	applied := 0
	var warns []models.RunLogEntry
	skip := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		s.logger.Warnf("automation %s: %s", a.ID, msg)
		warns = append(warns, logEntry("warn", msg))
	}

	for _, action := range actions {
		typeID, err := uuid.Parse(action.TypeID)
		if err != nil {
			skip("skipping %s: invalid type id %q", action.Type, action.TypeID)
			continue
		}

		// Ownership check: the target type must belong to the automation's app.
		var rt models.RecordType
		err = s.db.WithContext(ctx).
			Where("id = ? AND app_id = ?", typeID, a.AppID).
			First(&rt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			skip("skipping %s: type %s not found in app", action.Type, typeID)
			continue
		}
		if err != nil {
			return applied, warns, fmt.Errorf("verify type %s: %w", typeID, err)
		}

		switch action.Type {
		case ActionCreateRecord:
			if err := s.applyCreate(ctx, a, typeID, action.Data); err != nil {
				return applied, warns, err
			}
			applied++
		case ActionUpdateRecord, ActionDeleteRecord:
			recordID, err := uuid.Parse(action.RecordID)
			if err != nil {
				skip("skipping %s: invalid record id %q", action.Type, action.RecordID)
				continue
			}
			ok, err := s.applyExisting(ctx, a, action, typeID, recordID)
			if err != nil {
				return applied, warns, err
			}
			if !ok {
				skip("skipping %s: record %s not found", action.Type, recordID)
				continue
			}
			applied++
		default:
			skip("skipping unknown action type %q", action.Type)
		}
	}
	return applied, warns, nil
}

func (s *AutomationService) applyCreate(ctx context.Context, a *models.Automation, typeID uuid.UUID, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	rec := models.Record{
		ID:        uuid.New(),
		TypeID:    typeID,
		AppID:     a.AppID,
		Data:      data,
		CreatedBy: a.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	s.publishMutation(a, bus.RecordEvent{
		Kind:     bus.EventRecordCreated,
		AppID:    a.AppID,
		TypeID:   typeID,
		RecordID: rec.ID,
		Data:     rec.Data,
	})
	return nil
}

// applyExisting handles update and delete, which both target a record that
// another actor may have removed concurrently. Absent records report ok=false
// and are skipped by the caller.
func (s *AutomationService) applyExisting(ctx context.Context, a *models.Automation, action MutationAction, typeID, recordID uuid.UUID) (bool, error) {
	// Re-fetch immediately before mutating to narrow the lost-update window.
	var rec models.Record
	err := s.db.WithContext(ctx).
		Where("id = ? AND type_id = ?", recordID, typeID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load record %s: %w", recordID, err)
	}

	switch action.Type {
	case ActionUpdateRecord:
		prev := make(map[string]interface{}, len(rec.Data))
		for k, v := range rec.Data {
			prev[k] = v
		}
		if rec.Data == nil {
			rec.Data = map[string]interface{}{}
		}
		// Shallow merge, incoming keys win.
		for k, v := range action.Data {
			rec.Data[k] = v
		}
		if err := s.db.WithContext(ctx).Model(&rec).Update("data", rec.Data).Error; err != nil {
			return false, fmt.Errorf("update record %s: %w", recordID, err)
		}
		s.publishMutation(a, bus.RecordEvent{
			Kind:     bus.EventRecordUpdated,
			AppID:    a.AppID,
			TypeID:   typeID,
			RecordID: recordID,
			Data:     rec.Data,
			PrevData: prev,
		})
	case ActionDeleteRecord:
		if err := s.db.WithContext(ctx).Delete(&models.Record{}, "id = ?", recordID).Error; err != nil {
			return false, fmt.Errorf("delete record %s: %w", recordID, err)
		}
		s.publishMutation(a, bus.RecordEvent{
			Kind:     bus.EventRecordDeleted,
			AppID:    a.AppID,
			TypeID:   typeID,
			RecordID: recordID,
			Data:     rec.Data,
		})
	}
	return true, nil
}

func (s *AutomationService) publishMutation(a *models.Automation, evt bus.RecordEvent) {
	if s.bus == nil {
		return
	}
	evt.ActorID = a.CreatedBy
	evt.FromAutomation = true
	evt.SourceAutomationID = a.ID
	s.bus.Publish(evt)
}
