package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func collect(t *testing.T, b *Bus) <-chan RecordEvent {
	t.Helper()
	ch := make(chan RecordEvent, 32)
	b.Subscribe(func(evt RecordEvent) { ch <- evt })
	return ch
}

func recv(t *testing.T, ch <-chan RecordEvent) RecordEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return RecordEvent{}
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	b := New(16, nil)
	go b.Run()
	defer b.Close()

	ch := collect(t, b)

	first := RecordEvent{Kind: EventRecordCreated, RecordID: uuid.New()}
	second := RecordEvent{Kind: EventRecordUpdated, RecordID: uuid.New()}
	b.Publish(first)
	b.Publish(second)

	if got := recv(t, ch); got.RecordID != first.RecordID {
		t.Fatalf("expected first event %s, got %s", first.RecordID, got.RecordID)
	}
	if got := recv(t, ch); got.RecordID != second.RecordID {
		t.Fatalf("expected second event %s, got %s", second.RecordID, got.RecordID)
	}
}

func TestBusPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := New(1, nil)
	// No Run loop, no subscribers: buffer fills, further publishes drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(RecordEvent{Kind: EventRecordDeleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestBusFanOutReachesAllSubscribers(t *testing.T) {
	b := New(16, nil)
	go b.Run()
	defer b.Close()

	a := collect(t, b)
	c := collect(t, b)

	evt := RecordEvent{Kind: EventRecordCreated, RecordID: uuid.New(), FromAutomation: true}
	b.Publish(evt)

	for _, ch := range []<-chan RecordEvent{a, c} {
		got := recv(t, ch)
		if got.RecordID != evt.RecordID {
			t.Fatalf("expected %s, got %s", evt.RecordID, got.RecordID)
		}
		if !got.FromAutomation {
			t.Fatal("automation-origin marker was dropped in delivery")
		}
	}
}

func TestBusSurvivesHandlerPanic(t *testing.T) {
	b := New(16, nil)
	go b.Run()
	defer b.Close()

	b.Subscribe(func(RecordEvent) { panic("boom") })
	ch := collect(t, b)

	b.Publish(RecordEvent{Kind: EventRecordCreated, RecordID: uuid.New()})
	recv(t, ch) // the panicking handler must not take down delivery
}
