package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 应用模型：数据类型与自动化的归属单元
type App struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	CreatedBy uuid.UUID      `gorm:"type:uuid;index" json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Types []RecordType `gorm:"foreignKey:AppID" json:"types,omitempty"`
}

// RecordType is a user-defined table inside an app.
type RecordType struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AppID     uuid.UUID      `gorm:"type:uuid;index;not null" json:"app_id"`
	Name      string         `gorm:"not null" json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Fields []FieldDef `gorm:"foreignKey:TypeID" json:"fields,omitempty"`
}

// FieldDef describes one column of a record type.
type FieldDef struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TypeID    uuid.UUID `gorm:"type:uuid;index;not null" json:"type_id"`
	Name      string    `gorm:"not null" json:"name"`
	Kind      string    `gorm:"not null;default:'text'" json:"kind"` // text, number, bool, select, date
	Position  int       `gorm:"default:0" json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record 通用数据行，Data 为 field-id → value
type Record struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TypeID    uuid.UUID         `gorm:"type:uuid;index;not null" json:"type_id"`
	AppID     uuid.UUID         `gorm:"type:uuid;index;not null" json:"app_id"`
	Data      datatypes.JSONMap `gorm:"type:jsonb" json:"data"`
	CreatedBy uuid.UUID         `gorm:"type:uuid" json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
