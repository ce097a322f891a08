// Package channel provides the bounded in-memory event queues that carry
// a job's live event stream from the worker to HTTP consumers.
package channel

import (
	"log"
	"sync"

	"github.com/clusterforge/hatest/internal/domain"
)

// Queue buffers events for a single job. Publishing never blocks the
// execution path: when the buffer is full the oldest event is dropped,
// which is acceptable because the full log is persisted on the job
// itself; the queue only serves live consumers.
type Queue struct {
	mu     sync.Mutex
	ch     chan domain.JobEvent
	closed bool
}

func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 100
	}
	return &Queue{ch: make(chan domain.JobEvent, buffer)}
}

// Publish enqueues an event, dropping the oldest buffered event if the
// consumer is not keeping up. Publishing to a closed queue is a no-op.
func (q *Queue) Publish(event domain.JobEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	for {
		select {
		case q.ch <- event:
			return
		default:
		}
		select {
		case dropped := <-q.ch:
			log.Printf("events: queue full, dropped %s event", dropped.Type)
		default:
		}
	}
}

// C returns the receive side of the queue. It is closed by Close.
func (q *Queue) C() <-chan domain.JobEvent {
	return q.ch
}

// Close ends the stream. Buffered events remain readable; consumers see
// the channel close after draining them. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
