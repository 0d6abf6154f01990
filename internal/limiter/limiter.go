// Package limiter tracks the per-inbound-message passive reply quota QQ
// enforces: a bounded number of replies within a bounded window after the
// triggering message.
package limiter

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is how many passive replies one inbound message allows.
	DefaultLimit = 4
	// DefaultTTL is how long after the first reply the quota stays open.
	DefaultTTL = time.Hour
	// pruneThreshold triggers a lazy sweep of expired records instead of a
	// background goroutine; called from the hot path so it stays cheap.
	pruneThreshold = 10000
)

type record struct {
	count        int
	firstReplyAt time.Time
}

// ReplyLimiter is safe for concurrent use across one account's messages.
type ReplyLimiter struct {
	limit int
	ttl   time.Duration

	mu      sync.Mutex
	records map[string]*record
}

// New builds a ReplyLimiter. limit<=0 and ttl<=0 fall back to the defaults.
func New(limit int, ttl time.Duration) *ReplyLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ReplyLimiter{
		limit:   limit,
		ttl:     ttl,
		records: map[string]*record{},
	}
}

// Allow reports whether messageID still has passive-reply quota left at
// now. It does not consume quota; call RecordReply after a successful send.
func (l *ReplyLimiter) Allow(messageID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[messageID]
	if !ok {
		return true
	}
	if now.Sub(rec.firstReplyAt) > l.ttl {
		return true
	}
	return rec.count < l.limit
}

// RecordReply consumes one unit of messageID's quota. Calling it more than
// once for the same successful reply is the caller's bug to avoid, not
// this type's to detect — idempotence is achieved by calling it exactly
// once per sent reply.
func (l *ReplyLimiter) RecordReply(messageID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybePruneLocked(now)

	rec, ok := l.records[messageID]
	if !ok || now.Sub(rec.firstReplyAt) > l.ttl {
		rec = &record{firstReplyAt: now}
		l.records[messageID] = rec
	}
	rec.count++
}

// Remaining reports how many replies messageID has left at now.
func (l *ReplyLimiter) Remaining(messageID string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[messageID]
	if !ok || now.Sub(rec.firstReplyAt) > l.ttl {
		return l.limit
	}
	remaining := l.limit - rec.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// maybePruneLocked drops expired records once the table grows past
// pruneThreshold, rather than running a background sweep for what is
// normally a small, self-expiring map.
func (l *ReplyLimiter) maybePruneLocked(now time.Time) {
	if len(l.records) < pruneThreshold {
		return
	}
	for id, rec := range l.records {
		if now.Sub(rec.firstReplyAt) > l.ttl {
			delete(l.records, id)
		}
	}
}
