package gatewayfsm

import (
	"context"
	"log"
	"sync"

	"qqbotgw/internal/domain"
)

const defaultQueueCapacity = 1000

// InboundQueue is a bounded FIFO handing inbound events from the WebSocket
// receive loop to a single worker. Enqueue never blocks: when full, the
// oldest entry is dropped to make room for the newest.
type InboundQueue struct {
	capacity int

	mu      sync.Mutex
	entries []domain.InboundEvent
	notify  chan struct{}

	processed int
}

// NewInboundQueue builds a queue with room for capacity entries; capacity<=0
// uses the default of 1000.
func NewInboundQueue(capacity int) *InboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &InboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue never blocks. If the queue is already at capacity, the oldest
// entry is dropped and logged.
func (q *InboundQueue) Enqueue(evt domain.InboundEvent) {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		log.Printf("inbound queue overflow: dropped oldest message_id=%s account=%s", dropped.MessageID, dropped.AccountID)
	}
	q.entries = append(q.entries, evt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue one entry at a time, calling handle for each, until
// ctx is cancelled. It is meant to run as the sole worker goroutine for one
// account; handle's latency never affects the receive loop.
func (q *InboundQueue) Run(ctx context.Context, handle func(context.Context, domain.InboundEvent)) {
	for {
		evt, ok := q.dequeue()
		if ok {
			handle(ctx, evt)
			q.mu.Lock()
			q.processed++
			q.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *InboundQueue) dequeue() (domain.InboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return domain.InboundEvent{}, false
	}
	evt := q.entries[0]
	q.entries = q.entries[1:]
	return evt, true
}

// Processed reports how many entries the worker has handled, for tests and
// diagnostics.
func (q *InboundQueue) Processed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Len reports how many entries are currently queued.
func (q *InboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
