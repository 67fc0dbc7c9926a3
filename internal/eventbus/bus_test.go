package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Topic: TopicTaskStarted, TaskID: "t1", TaskName: "Demo"})

	select {
	case e := <-ch:
		if e.Topic != TopicTaskStarted || e.TaskID != "t1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.At.IsZero() {
			t.Fatal("At not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: TopicTaskFinished})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	// Buffer holds exactly one event; the rest were dropped.
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Topic: TopicScheduleRemoved})
}

func TestDroppedCountsOverflow(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Topic: TopicSourceEvent})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}
}

func TestCloseDetachesSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	b.Close()
	b.Close() // idempotent

	if _, open := <-ch; open {
		t.Fatal("subscriber channel still open after Close")
	}
	unsub() // must not panic after Close
	b.Publish(Event{Topic: TopicTaskStarted})

	late, _ := b.Subscribe(1)
	if _, open := <-late; open {
		t.Fatal("Subscribe after Close returned an open channel")
	}
}
