package channel

import (
	"fmt"
	"testing"

	"github.com/clusterforge/hatest/internal/domain"
)

func TestQueue_OrderPreserved(t *testing.T) {
	q := NewQueue(10)

	for i := 0; i < 5; i++ {
		q.Publish(domain.JobEvent{Type: domain.EventStepStarted, Message: fmt.Sprintf("step %d", i)})
	}
	q.Close()

	i := 0
	for event := range q.C() {
		want := fmt.Sprintf("step %d", i)
		if event.Message != want {
			t.Fatalf("event %d message = %q, want %q", i, event.Message, want)
		}
		i++
	}
	if i != 5 {
		t.Fatalf("received %d events, want 5", i)
	}
}

func TestQueue_FullBufferDropsOldest(t *testing.T) {
	q := NewQueue(2)

	q.Publish(domain.JobEvent{Message: "first"})
	q.Publish(domain.JobEvent{Message: "second"})
	q.Publish(domain.JobEvent{Message: "third"}) // evicts "first"
	q.Close()

	var got []string
	for event := range q.C() {
		got = append(got, event.Message)
	}
	if len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Fatalf("events after overflow = %v, want [second third]", got)
	}
}

func TestQueue_BufferedEventsReadableAfterClose(t *testing.T) {
	q := NewQueue(4)
	q.Publish(domain.JobEvent{Type: domain.EventCompleted})
	q.Close()

	event, ok := <-q.C()
	if !ok || event.Type != domain.EventCompleted {
		t.Fatalf("buffered event after close = %+v, %v", event, ok)
	}
	if _, ok := <-q.C(); ok {
		t.Fatal("channel not closed after drain")
	}
}

func TestQueue_PublishAndCloseAfterCloseAreNoops(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	q.Publish(domain.JobEvent{Message: "late"}) // must not panic
}
