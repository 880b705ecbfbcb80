package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStreamEvent is streamed to clients watching a run.
type RunStreamEvent struct {
	Type         string `json:"type"` // run_started, log, run_finished
	RunID        string `json:"run_id"`
	Status       string `json:"status,omitempty"`
	Level        string `json:"level,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	TSUnixMillis int64  `json:"ts"`
}

// RunStreamHub is an in-memory pub/sub keyed by run ID. A bounded replay
// buffer lets clients that connect after the run started still see the
// earlier events. The buffer is evicted once the run has finished and its
// last subscriber is gone, or on a TTL for runs nobody watched.
type RunStreamHub struct {
	mu        sync.RWMutex
	subs      map[uuid.UUID]map[chan RunStreamEvent]struct{}
	replay    map[uuid.UUID][]RunStreamEvent
	finished  map[uuid.UUID]bool
	maxReplay int
	replayTTL time.Duration
}

func NewRunStreamHub() *RunStreamHub {
	return &RunStreamHub{
		subs:      map[uuid.UUID]map[chan RunStreamEvent]struct{}{},
		replay:    map[uuid.UUID][]RunStreamEvent{},
		finished:  map[uuid.UUID]bool{},
		maxReplay: 200,
		replayTTL: 10 * time.Minute,
	}
}

// Subscribe returns a channel of events for one run plus a cancel func.
// Replayed events are delivered best-effort before live ones. The channel is
// never closed: Publish and the replay goroutine may still hold it after
// cancel, and a send racing a close would panic. Consumers leave on
// run_finished or their own transport closing; an abandoned channel is
// simply collected.
func (h *RunStreamHub) Subscribe(runID uuid.UUID) (<-chan RunStreamEvent, func()) {
	ch := make(chan RunStreamEvent, 64)

	h.mu.Lock()
	if _, ok := h.subs[runID]; !ok {
		h.subs[runID] = map[chan RunStreamEvent]struct{}{}
	}
	h.subs[runID][ch] = struct{}{}
	replay := append([]RunStreamEvent(nil), h.replay[runID]...)
	h.mu.Unlock()

	go func() {
		for _, evt := range replay {
			select {
			case ch <- evt:
			default:
				return
			}
		}
	}()

	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[runID]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(h.subs, runID)
				if h.finished[runID] {
					h.evictLocked(runID)
				}
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans out without ever blocking the engine; slow subscribers drop.
func (h *RunStreamHub) Publish(runID uuid.UUID, evt RunStreamEvent) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	if evt.RunID == "" {
		evt.RunID = runID.String()
	}

	h.mu.Lock()
	h.replay[runID] = append(h.replay[runID], evt)
	if len(h.replay[runID]) > h.maxReplay {
		h.replay[runID] = h.replay[runID][len(h.replay[runID])-h.maxReplay:]
	}
	if evt.Type == "run_finished" {
		h.finished[runID] = true
		if h.replayTTL > 0 {
			// Runs nobody ever watched still get their buffer reclaimed.
			time.AfterFunc(h.replayTTL, func() {
				h.mu.Lock()
				if len(h.subs[runID]) == 0 {
					h.evictLocked(runID)
				}
				h.mu.Unlock()
			})
		}
	}
	subs := make([]chan RunStreamEvent, 0, len(h.subs[runID]))
	for ch := range h.subs[runID] {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *RunStreamHub) evictLocked(runID uuid.UUID) {
	delete(h.replay, runID)
	delete(h.finished, runID)
}
