package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Automation trigger kinds.
const (
	TriggerRecordCreated = "record_created"
	TriggerRecordUpdated = "record_updated"
	TriggerRecordDeleted = "record_deleted"
	TriggerManual        = "manual"
)

// AutomationRun statuses. running is the only non-terminal state.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
	RunStatusTimeout = "timeout"
)

// Automation 自动化定义：触发条件 + 脚本
type Automation struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AppID         uuid.UUID         `gorm:"type:uuid;index;not null" json:"app_id"`
	TypeID        *uuid.UUID        `gorm:"type:uuid;index" json:"type_id"` // nil: not bound to a type
	Name          string            `gorm:"not null" json:"name"`
	Description   string            `gorm:"type:text" json:"description"`
	// trigger is a reserved word in both sqlite and postgres DDL.
	Trigger       string            `gorm:"column:trigger_kind;not null" json:"trigger"` // record_created, record_updated, record_deleted, manual
	TriggerConfig datatypes.JSONMap `gorm:"type:jsonb" json:"trigger_config"`
	Script        string            `gorm:"type:text" json:"script"`
	Enabled       bool              `gorm:"default:true" json:"enabled"`
	CreatedBy     uuid.UUID         `gorm:"type:uuid" json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RunLogEntry is one line of a run's log trail. Timestamps are assigned
// host-side; the script has no control over them.
type RunLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warn, error
	Message   string    `json:"message"`
}

// AutomationRun 执行记录，每次调用一行
type AutomationRun struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AutomationID uuid.UUID      `gorm:"type:uuid;index;not null" json:"automation_id"`
	Status       string         `gorm:"index;not null" json:"status"` // running, success, error, timeout
	Trigger      string         `gorm:"column:trigger_kind;not null" json:"trigger"`
	RecordID     *uuid.UUID     `gorm:"type:uuid" json:"record_id"`
	Logs         datatypes.JSON `gorm:"type:jsonb" json:"logs"`
	Error        *string        `gorm:"type:text" json:"error"`
	DurationMs   *int64         `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`

	Automation Automation `gorm:"foreignKey:AutomationID" json:"automation,omitempty"`
}

// LogEntries decodes the stored log trail. A missing or malformed column
// yields an empty slice.
func (r *AutomationRun) LogEntries() []RunLogEntry {
	var entries []RunLogEntry
	if len(r.Logs) == 0 {
		return entries
	}
	if err := json.Unmarshal(r.Logs, &entries); err != nil {
		return nil
	}
	return entries
}
