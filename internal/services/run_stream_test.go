package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func recvStream(t *testing.T, ch <-chan RunStreamEvent) RunStreamEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return RunStreamEvent{}
	}
}

func TestRunStreamHubLiveDelivery(t *testing.T) {
	hub := NewRunStreamHub()
	runID := uuid.New()

	ch, cancel := hub.Subscribe(runID)
	defer cancel()

	hub.Publish(runID, RunStreamEvent{Type: "run_started", Status: "running"})
	evt := recvStream(t, ch)
	if evt.Type != "run_started" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.RunID != runID.String() {
		t.Fatalf("run id not stamped: %q", evt.RunID)
	}
	if evt.TSUnixMillis == 0 {
		t.Fatal("timestamp not stamped")
	}
}

func TestRunStreamHubScopesByRun(t *testing.T) {
	hub := NewRunStreamHub()
	mine := uuid.New()
	other := uuid.New()

	ch, cancel := hub.Subscribe(mine)
	defer cancel()

	hub.Publish(other, RunStreamEvent{Type: "log", Message: "not for you"})
	hub.Publish(mine, RunStreamEvent{Type: "log", Message: "for you"})

	evt := recvStream(t, ch)
	if evt.Message != "for you" {
		t.Fatalf("leaked event from another run: %+v", evt)
	}
}

func TestRunStreamHubReplaysForLateSubscribers(t *testing.T) {
	hub := NewRunStreamHub()
	runID := uuid.New()

	hub.Publish(runID, RunStreamEvent{Type: "run_started", Status: "running"})
	hub.Publish(runID, RunStreamEvent{Type: "log", Level: "info", Message: "first"})

	ch, cancel := hub.Subscribe(runID)
	defer cancel()

	if evt := recvStream(t, ch); evt.Type != "run_started" {
		t.Fatalf("expected replayed run_started first, got %+v", evt)
	}
	if evt := recvStream(t, ch); evt.Message != "first" {
		t.Fatalf("expected replayed log, got %+v", evt)
	}

	hub.Publish(runID, RunStreamEvent{Type: "run_finished", Status: "success"})
	if evt := recvStream(t, ch); evt.Type != "run_finished" {
		t.Fatalf("expected live event after replay, got %+v", evt)
	}
}

func TestRunStreamHubReplayIsBounded(t *testing.T) {
	hub := NewRunStreamHub()
	hub.maxReplay = 5
	runID := uuid.New()

	for i := 0; i < 20; i++ {
		hub.Publish(runID, RunStreamEvent{Type: "log", Message: fmt.Sprintf("line %d", i)})
	}

	ch, cancel := hub.Subscribe(runID)
	defer cancel()

	first := recvStream(t, ch)
	if first.Message != "line 15" {
		t.Fatalf("replay should keep only the tail, got %q", first.Message)
	}
}

func TestRunStreamHubCancelStopsDelivery(t *testing.T) {
	hub := NewRunStreamHub()
	runID := uuid.New()

	ch, cancel := hub.Subscribe(runID)
	cancel()

	hub.Publish(runID, RunStreamEvent{Type: "log", Message: "late"})

	select {
	case evt := <-ch:
		t.Fatalf("delivery after cancel: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunStreamHubSurvivesSubscribeCancelChurn(t *testing.T) {
	hub := NewRunStreamHub()
	runID := uuid.New()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Publish(runID, RunStreamEvent{Type: "log", Message: "x"})
			}
		}
	}()

	// Clients connecting and immediately disconnecting must never race the
	// publisher into a panic.
	for i := 0; i < 500; i++ {
		_, cancel := hub.Subscribe(runID)
		cancel()
	}

	close(stop)
	wg.Wait()
}

func TestRunStreamHubEvictsReplayWhenLastSubscriberLeaves(t *testing.T) {
	hub := NewRunStreamHub()
	runID := uuid.New()

	ch, cancel := hub.Subscribe(runID)
	hub.Publish(runID, RunStreamEvent{Type: "run_started", Status: "running"})
	hub.Publish(runID, RunStreamEvent{Type: "run_finished", Status: "success"})
	for i := 0; i < 2; i++ {
		recvStream(t, ch)
	}
	cancel()

	hub.mu.RLock()
	_, kept := hub.replay[runID]
	hub.mu.RUnlock()
	if kept {
		t.Fatal("replay buffer kept after the finished run's last subscriber left")
	}
}

func TestRunStreamHubEvictsUnwatchedRunsOnTTL(t *testing.T) {
	hub := NewRunStreamHub()
	hub.replayTTL = 20 * time.Millisecond
	runID := uuid.New()

	hub.Publish(runID, RunStreamEvent{Type: "run_finished", Status: "success"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		_, kept := hub.replay[runID]
		hub.mu.RUnlock()
		if !kept {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("replay buffer for an unwatched finished run was never reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
