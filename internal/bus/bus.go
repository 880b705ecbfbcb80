package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Record event kinds carried on the bus.
const (
	EventRecordCreated = "record_created"
	EventRecordUpdated = "record_updated"
	EventRecordDeleted = "record_deleted"
)

// RecordEvent is an ephemeral notification that a record changed. It lives
// only on the bus for the duration of dispatch and is never persisted.
type RecordEvent struct {
	Kind     string                 `json:"kind"`
	AppID    uuid.UUID              `json:"app_id"`
	TypeID   uuid.UUID              `json:"type_id"`
	RecordID uuid.UUID              `json:"record_id"`
	Data     map[string]interface{} `json:"data"`
	// PrevData is set only for record_updated events.
	PrevData map[string]interface{} `json:"prev_data,omitempty"`
	ActorID  uuid.UUID              `json:"actor_id"`
	// FromAutomation marks events produced by an automation's own mutations,
	// so the dispatcher can avoid re-triggering the automation that caused them.
	FromAutomation     bool      `json:"from_automation"`
	SourceAutomationID uuid.UUID `json:"source_automation_id,omitempty"`
}

// Handler receives published events, one call per event, in publish order.
type Handler func(RecordEvent)

// Bus is an in-process pub/sub channel for RecordEvents. Delivery happens on
// the bus's own goroutine so publishers (typically HTTP handlers) are never
// blocked by subscriber work. At-most-once per live subscriber; events
// published with no subscribers are dropped.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	events   chan RecordEvent
	logger   *logrus.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func New(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		events: make(chan RecordEvent, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler for the lifetime of the process.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish enqueues an event for delivery. It never blocks: if the buffer is
// full the event is dropped with a warning. The bus is advisory
// infrastructure, not a durable queue.
func (b *Bus) Publish(evt RecordEvent) {
	select {
	case <-b.done:
	case b.events <- evt:
	default:
		b.logger.Warnf("bus: buffer full, dropping %s event for record %s", evt.Kind, evt.RecordID)
	}
}

// Run delivers events until Close is called. Call as `go bus.Run()`.
func (b *Bus) Run() {
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.events:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt RecordEvent) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

// deliver shields the bus loop from handler panics.
func (b *Bus) deliver(h Handler, evt RecordEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("bus: handler panic on %s event: %v", evt.Kind, r)
		}
	}()
	h(evt)
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
