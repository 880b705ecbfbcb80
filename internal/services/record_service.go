package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"forma/internal/bus"
	"forma/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecordService 管理应用、数据类型、字段与记录的 CRUD，
// 记录变更会在事件总线上发布 RecordEvent（marker=false）。
type RecordService struct {
	db     *gorm.DB
	bus    *bus.Bus
	logger *logrus.Logger
}

func NewRecordService(db *gorm.DB, eventBus *bus.Bus, logger *logrus.Logger) *RecordService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RecordService{db: db, bus: eventBus, logger: logger}
}

func (s *RecordService) CreateApp(ctx context.Context, name string, createdBy uuid.UUID) (*models.App, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("app name required")
	}
	app := models.App{ID: uuid.New(), Name: name, CreatedBy: createdBy}
	if err := s.db.WithContext(ctx).Create(&app).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *RecordService) GetApp(ctx context.Context, id uuid.UUID) (*models.App, error) {
	var app models.App
	if err := s.db.WithContext(ctx).Preload("Types").First(&app, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *RecordService) CreateType(ctx context.Context, appID uuid.UUID, name string) (*models.RecordType, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("type name required")
	}
	var app models.App
	if err := s.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		return nil, fmt.Errorf("app %s: %w", appID, err)
	}
	rt := models.RecordType{ID: uuid.New(), AppID: appID, Name: name}
	if err := s.db.WithContext(ctx).Create(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *RecordService) GetType(ctx context.Context, id uuid.UUID) (*models.RecordType, error) {
	var rt models.RecordType
	if err := s.db.WithContext(ctx).Preload("Fields").First(&rt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *RecordService) CreateField(ctx context.Context, typeID uuid.UUID, name, kind string) (*models.FieldDef, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("field name required")
	}
	if kind == "" {
		kind = "text"
	}
	var rt models.RecordType
	if err := s.db.WithContext(ctx).First(&rt, "id = ?", typeID).Error; err != nil {
		return nil, fmt.Errorf("type %s: %w", typeID, err)
	}
	var position int64
	s.db.WithContext(ctx).Model(&models.FieldDef{}).Where("type_id = ?", typeID).Count(&position)
	field := models.FieldDef{ID: uuid.New(), TypeID: typeID, Name: name, Kind: kind, Position: int(position)}
	if err := s.db.WithContext(ctx).Create(&field).Error; err != nil {
		return nil, err
	}
	return &field, nil
}

func (s *RecordService) ListRecords(ctx context.Context, typeID uuid.UUID) ([]models.Record, error) {
	var records []models.Record
	if err := s.db.WithContext(ctx).Where("type_id = ?", typeID).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *RecordService) GetRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	var rec models.Record
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord inserts a row and publishes record_created.
func (s *RecordService) CreateRecord(ctx context.Context, typeID uuid.UUID, data map[string]interface{}, actor uuid.UUID) (*models.Record, error) {
	rt, err := s.GetType(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("type %s: %w", typeID, err)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	rec := models.Record{ID: uuid.New(), TypeID: typeID, AppID: rt.AppID, Data: data, CreatedBy: actor}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	s.publish(bus.RecordEvent{
		Kind:     bus.EventRecordCreated,
		AppID:    rec.AppID,
		TypeID:   typeID,
		RecordID: rec.ID,
		Data:     rec.Data,
		ActorID:  actor,
	})
	return &rec, nil
}

// UpdateRecord shallow-merges data over the stored payload and publishes
// record_updated with both payloads.
func (s *RecordService) UpdateRecord(ctx context.Context, id uuid.UUID, data map[string]interface{}, actor uuid.UUID) (*models.Record, error) {
	var rec models.Record
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	prev := make(map[string]interface{}, len(rec.Data))
	for k, v := range rec.Data {
		prev[k] = v
	}
	if rec.Data == nil {
		rec.Data = map[string]interface{}{}
	}
	for k, v := range data {
		rec.Data[k] = v
	}
	if err := s.db.WithContext(ctx).Model(&rec).Update("data", rec.Data).Error; err != nil {
		return nil, err
	}
	s.publish(bus.RecordEvent{
		Kind:     bus.EventRecordUpdated,
		AppID:    rec.AppID,
		TypeID:   rec.TypeID,
		RecordID: rec.ID,
		Data:     rec.Data,
		PrevData: prev,
		ActorID:  actor,
	})
	return &rec, nil
}

// DeleteRecord removes a row and publishes record_deleted with the last-known
// payload.
func (s *RecordService) DeleteRecord(ctx context.Context, id uuid.UUID, actor uuid.UUID) error {
	var rec models.Record
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Record{}, "id = ?", id).Error; err != nil {
		return err
	}
	s.publish(bus.RecordEvent{
		Kind:     bus.EventRecordDeleted,
		AppID:    rec.AppID,
		TypeID:   rec.TypeID,
		RecordID: rec.ID,
		Data:     rec.Data,
		ActorID:  actor,
	})
	return nil
}

// publish is fire-and-forget; events from the CRUD path never carry the
// automation-origin marker.
func (s *RecordService) publish(evt bus.RecordEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(evt)
}
