package services

import (
	"context"

	"forma/internal/bus"
	"forma/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatcher connects the event bus to the engine: it matches enabled
// automations by app, type and trigger kind and invokes a run per match.
// Each run occupies its own goroutine; runs share nothing but the store.
type Dispatcher struct {
	db     *gorm.DB
	engine *AutomationService
	logger *logrus.Logger
}

func NewDispatcher(db *gorm.DB, engine *AutomationService, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{db: db, engine: engine, logger: logger}
}

// Attach subscribes the dispatcher to a bus.
func (d *Dispatcher) Attach(b *bus.Bus) {
	b.Subscribe(d.HandleEvent)
}

// HandleEvent matches and runs automations for one record event. Automations
// are loaded fresh per event, so disabled or deleted ones never fire. An
// event produced by an automation's own mutations never re-triggers that same
// automation; cross-automation cascades are allowed and inherit the marker.
func (d *Dispatcher) HandleEvent(evt bus.RecordEvent) {
	ctx := context.Background()

	var automations []models.Automation
	err := d.db.WithContext(ctx).
		Where("app_id = ? AND enabled = ? AND trigger_kind = ?", evt.AppID, true, evt.Kind).
		Where("type_id = ? OR type_id IS NULL", evt.TypeID).
		Find(&automations).Error
	if err != nil {
		d.logger.Warnf("dispatcher: load automations for %s event: %v", evt.Kind, err)
		return
	}

	for i := range automations {
		a := automations[i]
		if evt.FromAutomation && evt.SourceAutomationID == a.ID {
			d.logger.Debugf("dispatcher: skipping %s, event originated from its own run", a.ID)
			continue
		}
		go func() {
			runID, err := d.engine.RunAutomation(ctx, &a, &evt)
			if err != nil {
				d.logger.Errorf("dispatcher: automation %s on %s: %v", a.ID, evt.Kind, err)
				return
			}
			d.logger.Infof("dispatcher: automation %s fired on %s, run %s", a.ID, evt.Kind, runID)
		}()
	}
}
