package eventchannel

import (
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

// dedup tracks recently-seen command IDs so a command:execute event
// redelivered after a reconnect (the server has no ack from a connection
// that died mid-delivery, so it may resend) is not dispatched twice.
// Entries expire after ttl; handlers still need to be idempotent for
// duplicates that outlive the window, but most redeliveries happen within
// seconds of a reconnect.
type dedup struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedup(clk clock.Clock, ttl time.Duration) *dedup {
	return &dedup{clock: clk, ttl: ttl, seen: make(map[string]time.Time)}
}

// seenBefore records id and reports whether it was already present and
// unexpired. A blank id is never deduped (some inbound events carry no
// natural dedup key).
func (d *dedup) seenBefore(id string) bool {
	if id == "" {
		return false
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictLocked(now)
	if expiresAt, ok := d.seen[id]; ok && now.Before(expiresAt) {
		return true
	}
	d.seen[id] = now.Add(d.ttl)
	return false
}

func (d *dedup) evictLocked(now time.Time) {
	for id, expiresAt := range d.seen {
		if !now.Before(expiresAt) {
			delete(d.seen, id)
		}
	}
}
