package webhook

import (
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
)

// dedupWindow is how long a delivered (tenant, message) pair suppresses
// further deliveries.
const dedupWindow = 10 * time.Minute

// dedupStore is the process-wide "sent" set. Entries are inserted before the
// HTTP call (precommit) so concurrent batches can never forward the same
// message twice, and removed again if every attempt fails.
type dedupStore struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]time.Time // tenantID + "\x00" + messageID -> precommit time
}

func newDedupStore(clk clock.Clock) *dedupStore {
	return &dedupStore{clk: clk, entries: make(map[string]time.Time)}
}

func dedupKey(tenantID, messageID string) string {
	return tenantID + "\x00" + messageID
}

// Precommit atomically records the intent to send. It returns false when the
// pair was already committed within the dedup window.
func (d *dedupStore) Precommit(tenantID, messageID string) bool {
	key := dedupKey(tenantID, messageID)
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.entries[key]; ok && now.Sub(at) <= dedupWindow {
		return false
	}
	d.entries[key] = now
	return true
}

// Remove drops the pair so a later delivery of the same message id is
// permitted again. Called after the final failed attempt.
func (d *dedupStore) Remove(tenantID, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, dedupKey(tenantID, messageID))
}

// Sweep evicts entries older than the dedup window and returns how many were
// removed.
func (d *dedupStore) Sweep() int {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, at := range d.entries {
		if now.Sub(at) > dedupWindow {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (d *dedupStore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
