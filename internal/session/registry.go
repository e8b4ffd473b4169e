package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/creds"
	"github.com/locai-labs/wagateway/internal/metrics"
	"github.com/locai-labs/wagateway/internal/upstream"
)

const (
	shutdownTimeout = 10 * time.Second
	restartDelay    = 2 * time.Second
	idleAfter       = 60 * time.Minute
)

// Registry is the process-wide map from tenant to session manager.
type Registry struct {
	opts  Options
	media *http.Client

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry. The media client is shared by every
// manager for URL-referenced sends.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		media:    &http.Client{Timeout: mediaFetchTimeout},
		managers: make(map[string]*Manager),
	}
}

// Start creates and starts the tenant's session. While a session is live the
// call is idempotent and returns the current snapshot unchanged; a
// disconnected one is replaced by a fresh manager with a new session id.
func (r *Registry) Start(tenantID string) (Snapshot, error) {
	if err := creds.ValidateTenantID(tenantID); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	if m, ok := r.managers[tenantID]; ok {
		snap := m.Snapshot()
		if snap.Status != StatusDisconnected {
			r.mu.Unlock()
			return snap, nil
		}
	}
	m := newManager(r.opts, tenantID, r.media)
	r.managers[tenantID] = m
	r.mu.Unlock()

	metrics.SessionStarts.Inc()
	if r.opts.AutoRegisterSink != nil {
		r.opts.AutoRegisterSink(tenantID)
	}
	m.start()
	r.SyncGauges()
	return m.Snapshot(), nil
}

// Get returns the tenant's manager, if any.
func (r *Registry) Get(tenantID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[tenantID]
	return m, ok
}

// Status returns the current snapshot for a tenant's session.
func (r *Registry) Status(tenantID string) (Snapshot, bool) {
	m, ok := r.Get(tenantID)
	if !ok {
		return Snapshot{}, false
	}
	return m.Snapshot(), true
}

// WaitReady blocks until the tenant's session leaves connecting or the
// timeout expires, whichever is first. ok is false when no session exists.
func (r *Registry) WaitReady(ctx context.Context, tenantID string, timeout time.Duration) (Snapshot, bool) {
	m, ok := r.Get(tenantID)
	if !ok {
		return Snapshot{}, false
	}
	return m.WaitReady(ctx, timeout), true
}

// List returns a snapshot of every session, ordered by tenant.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Count reports total and connected session counts.
func (r *Registry) Count() (total, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.managers {
		total++
		if m.Snapshot().Status == StatusConnected {
			connected++
		}
	}
	return total, connected
}

// Send routes an outbound message to the tenant's manager. A missing session
// is reported the same as one that is not connected.
func (r *Registry) Send(ctx context.Context, tenantID string, data MessageData) (upstream.SendResult, error) {
	m, ok := r.Get(tenantID)
	if !ok {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return upstream.SendResult{}, ErrNotConnected
	}
	return m.Send(ctx, data)
}

// Stop closes the tenant's session. Credentials stay on disk for a later
// resume; the registry entry remains visible as disconnected until swept.
func (r *Registry) Stop(ctx context.Context, tenantID string) error {
	m, ok := r.Get(tenantID)
	if !ok {
		return ErrSessionNotFound
	}
	err := m.Stop(ctx)
	r.SyncGauges()
	return err
}

// Logout closes the tenant's session and purges its credentials, so the next
// start pairs from scratch.
func (r *Registry) Logout(ctx context.Context, tenantID string) error {
	m, ok := r.Get(tenantID)
	if !ok {
		return ErrSessionNotFound
	}
	err := m.Logout(ctx)
	r.SyncGauges()
	return err
}

// Restart is stop-then-start with a settling delay, preserving credentials.
func (r *Registry) Restart(ctx context.Context, tenantID string) (Snapshot, error) {
	if m, ok := r.Get(tenantID); ok {
		if err := m.Stop(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	if err := clock.Sleep(ctx, r.opts.Clock, restartDelay); err != nil {
		return Snapshot{}, err
	}
	return r.Start(tenantID)
}

// ShutdownAll stops every session in parallel within a bounded window. No
// state is lost: credentials are already persisted per tenant.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	r.mu.Lock()
	ms := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		ms = append(ms, m)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range ms {
		g.Go(func() error { return m.Stop(ctx) })
	}
	err := g.Wait()
	r.SyncGauges()
	return err
}

// SweepIdle drops disconnected sessions idle for over an hour. Wired to a
// 30 min schedule.
func (r *Registry) SweepIdle() int {
	r.mu.Lock()
	removed := 0
	for id, m := range r.managers {
		snap := m.Snapshot()
		if snap.Status == StatusDisconnected && r.opts.Clock.Since(snap.LastActivity) > idleAfter {
			delete(r.managers, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.opts.Log.Info("session sweep", "removed", removed)
		r.SyncGauges()
	}
	return removed
}

// CurrentArtifact exposes the tenant's cached pairing artifact, satisfying
// the pairing service's source interface.
func (r *Registry) CurrentArtifact(tenantID string) ([]byte, bool) {
	m, ok := r.Get(tenantID)
	if !ok {
		return nil, false
	}
	snap := m.Snapshot()
	if len(snap.Artifact) == 0 {
		return nil, false
	}
	return snap.Artifact, true
}

// SyncGauges recomputes the session gauges after membership or state changes.
func (r *Registry) SyncGauges() {
	total, connected := r.Count()
	metrics.SessionsActive.Set(float64(total))
	metrics.SessionsConnected.Set(float64(connected))
}
