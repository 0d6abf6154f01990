package gatewayfsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"qqbotgw/internal/domain"
)

func TestInboundQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewInboundQueue(2)
	q.Enqueue(domain.InboundEvent{MessageID: "1"})
	q.Enqueue(domain.InboundEvent{MessageID: "2"})
	q.Enqueue(domain.InboundEvent{MessageID: "3"})

	if q.Len() != 2 {
		t.Fatalf("expected queue bounded to capacity 2, got %d", q.Len())
	}

	evt, ok := q.dequeue()
	if !ok || evt.MessageID != "2" {
		t.Fatalf("expected oldest surviving entry to be message 2, got %+v ok=%v", evt, ok)
	}
}

func TestInboundQueueRunProcessesInOrder(t *testing.T) {
	q := NewInboundQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	go q.Run(ctx, func(_ context.Context, evt domain.InboundEvent) {
		mu.Lock()
		seen = append(seen, evt.MessageID)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	q.Enqueue(domain.InboundEvent{MessageID: "a"})
	q.Enqueue(domain.InboundEvent{MessageID: "b"})
	q.Enqueue(domain.InboundEvent{MessageID: "c"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for processing")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("expected fifo order a,b,c; got %v", seen)
	}
	if q.Processed() != 3 {
		t.Fatalf("expected processed count 3, got %d", q.Processed())
	}
}
