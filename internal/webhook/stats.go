package webhook

import (
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
)

// statsMaxIdle is how long a tenant's stats entry survives without a
// delivery before the sweep drops it.
const statsMaxIdle = 24 * time.Hour

// Stats are per-tenant delivery counters with a running response-time
// average.
type Stats struct {
	Total         int       `json:"total"`
	Success       int       `json:"success"`
	Failed        int       `json:"failed"`
	AvgResponseMs float64   `json:"avgResponseMs"`
	UptimePercent float64   `json:"uptimePercent"`
	LastDelivery  time.Time `json:"lastDelivery"`
}

// statsStore tracks delivery outcomes per tenant.
type statsStore struct {
	mu  sync.Mutex
	clk clock.Clock
	m   map[string]*Stats
}

func newStatsStore(clk clock.Clock) *statsStore {
	return &statsStore{clk: clk, m: make(map[string]*Stats)}
}

// Record folds one delivery outcome into the tenant's stats. The response
// time only contributes to the average on success; failed attempts measure
// timeouts, not the sink.
func (s *statsStore) Record(tenantID string, ok bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.m[tenantID]
	if st == nil {
		st = &Stats{}
		s.m[tenantID] = st
	}
	st.Total++
	if ok {
		st.Success++
		ms := float64(elapsed.Milliseconds())
		st.AvgResponseMs += (ms - st.AvgResponseMs) / float64(st.Success)
	} else {
		st.Failed++
	}
	st.UptimePercent = float64(st.Success) / float64(st.Total) * 100
	st.LastDelivery = s.clk.Now()
}

// Get returns a copy of the tenant's stats.
func (s *statsStore) Get(tenantID string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[tenantID]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// Sweep evicts entries idle longer than statsMaxIdle and returns how many
// were removed.
func (s *statsStore) Sweep() int {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for tenant, st := range s.m {
		if now.Sub(st.LastDelivery) > statsMaxIdle {
			delete(s.m, tenant)
			removed++
		}
	}
	return removed
}
