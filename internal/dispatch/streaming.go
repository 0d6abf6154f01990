package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"qqbotgw/internal/domain"
)

// streamKeepaliveInterval is how long the dispatcher waits without a real
// chunk before sending an empty keepalive; the platform drops a streaming
// message after 10s of silence.
const streamKeepaliveInterval = 8 * time.Second

// StreamSender drives one C2C-only incremental streaming reply. At most
// one chunk is ever in flight: a send arriving while one is outstanding is
// stashed as pendingText and sent as the very next chunk once the current
// one completes (the sendInFlight flag serializes; a later stash replaces
// an earlier one that has not been sent yet).
type StreamSender struct {
	dispatcher *Dispatcher
	token      string
	target     domain.Target

	mu           sync.Mutex
	index        int
	streamID     string
	ended        bool
	sendInFlight bool
	pendingText  string
	hasPending   bool
	lastSendAt   time.Time

	stop chan struct{}
}

// NewStreamSender starts a streaming reply to target. Target must be C2C;
// the caller is responsible for only using this path for C2C intents.
func (d *Dispatcher) NewStreamSender(token string, target domain.Target) *StreamSender {
	return &StreamSender{
		dispatcher: d,
		token:      token,
		target:     target,
		stop:       make(chan struct{}),
	}
}

// StartKeepalive launches the background keepalive ticker; call once per
// stream alongside the reply pipeline's partial-reply loop.
func (s *StreamSender) StartKeepalive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(streamKeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				idle := !s.ended && !s.sendInFlight && time.Since(s.lastSendAt) >= streamKeepaliveInterval
				s.mu.Unlock()
				if idle {
					_ = s.SendChunk(ctx, "")
				}
			}
		}
	}()
}

// Stop halts the keepalive goroutine without ending the stream on the wire.
func (s *StreamSender) Stop() {
	close(s.stop)
}

// SendChunk sends text as the next streaming chunk, or stashes it as
// pendingText if a chunk is already in flight.
func (s *StreamSender) SendChunk(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return fmt.Errorf("stream already ended")
	}
	if s.sendInFlight {
		s.pendingText = text
		s.hasPending = true
		s.mu.Unlock()
		return nil
	}
	s.sendInFlight = true
	s.mu.Unlock()

	err := s.sendChunk(ctx, text, false)

	s.mu.Lock()
	s.sendInFlight = false
	pending := s.hasPending
	pendingText := s.pendingText
	s.hasPending = false
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if pending {
		return s.SendChunk(ctx, pendingText)
	}
	return nil
}

// End waits for any in-flight chunk to finish, then sends the terminal
// state=10 chunk exactly once, carrying any still-pending text.
func (s *StreamSender) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	for s.sendInFlight {
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		s.mu.Lock()
	}
	s.ended = true
	pendingText := ""
	if s.hasPending {
		pendingText = s.pendingText
	}
	s.hasPending = false
	s.mu.Unlock()

	return s.sendChunk(ctx, pendingText, true)
}

func (s *StreamSender) sendChunk(ctx context.Context, text string, end bool) error {
	s.mu.Lock()
	idx := s.index
	s.index++
	streamID := s.streamID
	s.mu.Unlock()

	state := 1
	if end {
		state = 10
	}
	streamField := map[string]interface{}{"state": state, "index": idx}
	if streamID != "" {
		streamField["id"] = streamID
	}

	body := map[string]interface{}{
		"content":  text,
		"msg_type": 0,
		"stream":   streamField,
	}

	resp, err := s.dispatcher.rest.Request(ctx, s.token, http.MethodPost, messagePath(s.target), body)

	s.mu.Lock()
	s.lastSendAt = time.Now()
	if s.streamID == "" {
		if id, ok := resp["stream_id"].(string); ok && id != "" {
			s.streamID = id
		}
	}
	s.mu.Unlock()

	return err
}
