package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forma/internal/bus"
	"forma/internal/models"
	"forma/internal/sandbox"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultExecTimeout = 30 * time.Second

// errMsgNoBackend is the fixed error text for runs that never started because
// no execution backend is available.
const errMsgNoBackend = "automation execution backend is not configured"

// AutomationService owns automation configuration and the run pipeline:
// bootstrap composition, sandboxed execution, action application, and the
// run ledger.
type AutomationService struct {
	db     *gorm.DB
	runner sandbox.Runner
	bus    *bus.Bus
	stream *RunStreamHub
	logger *logrus.Logger

	execTimeout time.Duration
}

// NewAutomationService wires the engine. runner may be nil when no sandbox
// backend is configured; every run then finishes as an error without any
// provider call being made.
func NewAutomationService(db *gorm.DB, runner sandbox.Runner, eventBus *bus.Bus, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:          db,
		runner:      runner,
		bus:         eventBus,
		logger:      logger,
		execTimeout: defaultExecTimeout,
	}
}

// SetRunStream 注入运行事件流（可选）
func (s *AutomationService) SetRunStream(h *RunStreamHub) {
	s.stream = h
}

func (s *AutomationService) SetExecTimeout(d time.Duration) {
	if d > 0 {
		s.execTimeout = d
	}
}

// AutomationCreateRequest 创建自动化的请求
type AutomationCreateRequest struct {
	AppID         string                 `json:"app_id" binding:"required"`
	TypeID        string                 `json:"type_id"`
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	Trigger       string                 `json:"trigger" binding:"required"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Script        string                 `json:"script"`
	Enabled       *bool                  `json:"enabled"`
	CreatedBy     string                 `json:"created_by"`
}

type AutomationUpdateRequest struct {
	TypeID        *string                `json:"type_id"`
	Name          *string                `json:"name"`
	Description   *string                `json:"description"`
	Trigger       *string                `json:"trigger"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Script        *string                `json:"script"`
	Enabled       *bool                  `json:"enabled"`
}

func isSupportedTrigger(trigger string) bool {
	switch trigger {
	case models.TriggerRecordCreated, models.TriggerRecordUpdated, models.TriggerRecordDeleted, models.TriggerManual:
		return true
	default:
		return false
	}
}

// resolveTypeID validates that a type belongs to the app before an automation
// may bind to it.
func (s *AutomationService) resolveTypeID(ctx context.Context, appID uuid.UUID, raw string) (*uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	typeID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid type id: %w", err)
	}
	var rt models.RecordType
	if err := s.db.WithContext(ctx).Where("id = ? AND app_id = ?", typeID, appID).First(&rt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("type %s does not belong to app %s", typeID, appID)
		}
		return nil, err
	}
	return &typeID, nil
}

func (s *AutomationService) ListAutomations(ctx context.Context, appID uuid.UUID) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).Where("app_id = ?", appID).Order("created_at DESC").Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

func (s *AutomationService) GetAutomation(ctx context.Context, id uuid.UUID) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AutomationService) CreateAutomation(ctx context.Context, req *AutomationCreateRequest) (*models.Automation, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	if !isSupportedTrigger(req.Trigger) {
		return nil, fmt.Errorf("unsupported trigger: %s", req.Trigger)
	}
	appID, err := uuid.Parse(req.AppID)
	if err != nil {
		return nil, fmt.Errorf("invalid app id: %w", err)
	}
	typeID, err := s.resolveTypeID(ctx, appID, req.TypeID)
	if err != nil {
		return nil, err
	}
	var createdBy uuid.UUID
	if req.CreatedBy != "" {
		if createdBy, err = uuid.Parse(req.CreatedBy); err != nil {
			return nil, fmt.Errorf("invalid creator id: %w", err)
		}
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a := models.Automation{
		ID:            uuid.New(),
		AppID:         appID,
		TypeID:        typeID,
		Name:          req.Name,
		Description:   req.Description,
		Trigger:       req.Trigger,
		TriggerConfig: req.TriggerConfig,
		Script:        req.Script,
		Enabled:       enabled,
		CreatedBy:     createdBy,
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AutomationService) UpdateAutomation(ctx context.Context, id uuid.UUID, req *AutomationUpdateRequest) (*models.Automation, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	a, err := s.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Trigger != nil {
		if !isSupportedTrigger(*req.Trigger) {
			return nil, fmt.Errorf("unsupported trigger: %s", *req.Trigger)
		}
		a.Trigger = *req.Trigger
	}
	if req.TypeID != nil {
		typeID, err := s.resolveTypeID(ctx, a.AppID, *req.TypeID)
		if err != nil {
			return nil, err
		}
		a.TypeID = typeID
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.TriggerConfig != nil {
		a.TriggerConfig = req.TriggerConfig
	}
	if req.Script != nil {
		a.Script = *req.Script
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAutomation removes the configuration. Run history is kept; the
// dispatcher and the manual path both re-load the automation immediately
// before invoking it, so a deleted automation never executes.
func (s *AutomationService) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.Automation{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("automation not found")
	}
	return nil
}

func (s *AutomationService) ListRuns(ctx context.Context, automationID uuid.UUID, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.AutomationRun
	if err := s.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("created_at DESC").Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *AutomationService) GetRun(ctx context.Context, id uuid.UUID) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// RunAutomation executes one automation end to end and returns the run id.
// An error comes back only when the ledger row cannot be created; every
// execution failure becomes a terminal run status, and nothing escapes to
// the caller as a host exception. evt is nil for manual invocation.
func (s *AutomationService) RunAutomation(ctx context.Context, a *models.Automation, evt *bus.RecordEvent) (uuid.UUID, error) {
	// The ledger must reach a terminal status even when the caller goes away
	// mid-run: a client disconnect cancels gin's request context, and a
	// finalize on that context would strand the row in running.
	ctx = context.WithoutCancel(ctx)

	trigger := models.TriggerManual
	var recordID *uuid.UUID
	if evt != nil {
		trigger = evt.Kind
		rid := evt.RecordID
		recordID = &rid
	}

	run := models.AutomationRun{
		ID:           uuid.New(),
		AutomationID: a.ID,
		Status:       models.RunStatusRunning,
		Trigger:      trigger,
		RecordID:     recordID,
		Logs:         datatypes.JSON("[]"),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		// No ledger row means there is nothing for the caller to poll.
		s.logger.Errorf("automation %s: create run row: %v", a.ID, err)
		return uuid.Nil, fmt.Errorf("create run row: %w", err)
	}
	started := time.Now()
	s.streamEvent(run.ID, RunStreamEvent{Type: "run_started", Status: models.RunStatusRunning})

	// Fatal precondition: without a backend no provider call is ever made.
	if s.runner == nil {
		s.finishRun(ctx, run.ID, models.RunStatusError, nil, errMsgNoBackend, started)
		return run.ID, nil
	}

	code, err := s.composeFor(ctx, a, evt)
	if err != nil {
		s.finishRun(ctx, run.ID, classifyFailure(err), nil, err.Error(), started)
		return run.ID, nil
	}

	res, execErr := s.runner.Execute(ctx, code, s.execTimeout)
	switch {
	case errors.Is(execErr, sandbox.ErrNotConfigured):
		s.finishRun(ctx, run.ID, models.RunStatusError, nil, errMsgNoBackend, started)

	case errors.Is(execErr, sandbox.ErrTimeout):
		// Actions are only ever parsed from completed output, so a timed-out
		// run applies nothing.
		logs, _ := parseScriptOutput(res.Stdout)
		errText := fmt.Sprintf("execution exceeded the %s time limit", s.execTimeout)
		s.finishRun(ctx, run.ID, models.RunStatusTimeout, logs, errText, started)

	case execErr != nil:
		var scriptErr *sandbox.ScriptError
		if errors.As(execErr, &scriptErr) {
			logs, _ := parseScriptOutput(res.Stdout)
			logs = append(logs, logEntry("error", scriptErr.Error()))
			if stderr := strings.TrimSpace(scriptErr.Stderr); stderr != "" {
				logs = append(logs, logEntry("error", stderr))
			}
			s.finishRun(ctx, run.ID, models.RunStatusError, logs, scriptErr.Error(), started)
			break
		}
		s.finishRun(ctx, run.ID, classifyFailure(execErr), nil, execErr.Error(), started)

	default:
		logs, actions := parseScriptOutput(res.Stdout)
		applied, warns, applyErr := s.applyActions(ctx, actions, a)
		logs = append(logs, warns...)
		if applyErr != nil {
			s.finishRun(ctx, run.ID, classifyFailure(applyErr), logs, applyErr.Error(), started)
			break
		}
		if applied > 0 {
			logs = append(logs, logEntry("info", fmt.Sprintf("applied %d action(s)", applied)))
		}
		s.finishRun(ctx, run.ID, models.RunStatusSuccess, logs, "", started)
	}
	return run.ID, nil
}

func (s *AutomationService) composeFor(ctx context.Context, a *models.Automation, evt *bus.RecordEvent) (string, error) {
	var typeID *uuid.UUID
	if evt != nil {
		tid := evt.TypeID
		typeID = &tid
	} else if a.TypeID != nil {
		typeID = a.TypeID
	}

	var fields []models.FieldDef
	if typeID != nil {
		if err := s.db.WithContext(ctx).
			Where("type_id = ?", *typeID).
			Order("position ASC").
			Find(&fields).Error; err != nil {
			return "", fmt.Errorf("load fields: %w", err)
		}
	}
	return ComposeScript(a, evt, fields)
}

// finishRun records the single transition out of running. The status guard in
// the WHERE clause makes terminal rows immutable at the store level.
func (s *AutomationService) finishRun(ctx context.Context, runID uuid.UUID, status string, logs []models.RunLogEntry, errText string, started time.Time) {
	logsJSON := datatypes.JSON("[]")
	if len(logs) > 0 {
		if raw, err := json.Marshal(logs); err == nil {
			logsJSON = datatypes.JSON(raw)
		}
	}
	updates := map[string]interface{}{
		"status":      status,
		"logs":        logsJSON,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if errText != "" {
		updates["error"] = errText
	}

	result := s.db.WithContext(ctx).
		Model(&models.AutomationRun{}).
		Where("id = ? AND status = ?", runID, models.RunStatusRunning).
		Updates(updates)
	if result.Error != nil {
		s.logger.Errorf("run %s: finalize to %s: %v", runID, status, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		s.logger.Warnf("run %s: already terminal, dropping transition to %s", runID, status)
		return
	}

	for _, entry := range logs {
		s.streamEvent(runID, RunStreamEvent{Type: "log", Level: entry.Level, Message: entry.Message})
	}
	s.streamEvent(runID, RunStreamEvent{Type: "run_finished", Status: status, Error: errText})
}

func (s *AutomationService) streamEvent(runID uuid.UUID, evt RunStreamEvent) {
	if s.stream == nil {
		return
	}
	s.stream.Publish(runID, evt)
}

// classifyFailure maps an escaped pipeline error onto a terminal status:
// anything that reads like exceeding the wall-clock limit is a timeout, the rest
// are errors.
func classifyFailure(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "time limit") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out") {
		return models.RunStatusTimeout
	}
	return models.RunStatusError
}
