package gatewayfsm

import (
	"strings"
	"sync"
	"time"
)

var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	maxReconnectAttempts  = 100
	quickDisconnectWindow = 5 * time.Second
	quickDisconnectDelay  = 60 * time.Second
	rateLimitDelay        = 60 * time.Second
)

// closeAction is what ReconnectPolicy decides to do after a session ends.
type closeAction int

const (
	actionReconnect closeAction = iota
	actionReconnectPreserveSession
	actionReconnectClearSession
	actionStopClean
	actionStopTerminal
)

// ReconnectPolicy owns the backoff schedule, the quick-disconnect detector,
// and the close-code taxonomy for one account's gateway session.
type ReconnectPolicy struct {
	mu                   sync.Mutex
	attempt              int
	quickDisconnectCount int
	lastOpenAt           time.Time

	pendingTimer *time.Timer
}

func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{}
}

// NoteOpen resets the attempt counter on a successful connection and starts
// the quick-disconnect window.
func (p *ReconnectPolicy) NoteOpen(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
	p.lastOpenAt = now
}

// NoteClose records a close and reports whether this was a quick-disconnect
// (closed within quickDisconnectWindow of opening).
func (p *ReconnectPolicy) NoteClose(now time.Time) (quickDisconnect bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastOpenAt.IsZero() && now.Sub(p.lastOpenAt) <= quickDisconnectWindow {
		p.quickDisconnectCount++
		if p.quickDisconnectCount >= 3 {
			p.quickDisconnectCount = 0
			return true
		}
	} else {
		p.quickDisconnectCount = 0
	}
	return false
}

// NextDelay returns the backoff delay for the next reconnect attempt and
// increments the attempt counter. ok is false once maxReconnectAttempts has
// been exhausted.
func (p *ReconnectPolicy) NextDelay() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempt >= maxReconnectAttempts {
		return 0, false
	}
	idx := p.attempt
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	p.attempt++
	return backoffSchedule[idx], true
}

// DecideCloseCode maps a WebSocket close code to the action the FSM should
// take.
func DecideCloseCode(code int) closeAction {
	switch {
	case code == 1000:
		return actionStopClean
	case code == 4914 || code == 4915:
		return actionStopTerminal
	case code == 4009:
		return actionReconnectPreserveSession
	case code >= 4900 && code <= 4913:
		return actionReconnectClearSession
	default:
		return actionReconnect
	}
}

// IsRateLimited reports whether an error message indicates the platform is
// throttling connects, in which case the caller should use rateLimitDelay
// instead of the normal schedule.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too many requests") || strings.Contains(msg, "100001")
}
