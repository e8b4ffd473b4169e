// Package pairing keeps a current pairing artifact available to API callers
// for the full pairing window, regenerating opportunistically so the request
// path never blocks on the upstream.
package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/logging"
)

// Status of a tenant's pairing tracker.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusAvailable  Status = "available"
	StatusExpired    Status = "expired"
	StatusConnected  Status = "connected"
)

const (
	// ArtifactLifetime is how long an artifact is considered fresh.
	ArtifactLifetime = 45 * time.Second
	// startWait bounds how long Start blocks for the first artifact.
	startWait = 30 * time.Second
	// probeInterval is the cadence of the background staleness probe.
	probeInterval = 30 * time.Second
	// maxRegenerations stops a tracker that never pairs; the tenant must
	// restart the session explicitly after that.
	maxRegenerations = 10
	// cleanupInterval and idleThreshold govern the idle tracker sweep.
	cleanupInterval = 5 * time.Minute
	idleThreshold   = 3 * ArtifactLifetime
)

// ArtifactSource exposes the session layer's current pairing artifact.
// Regeneration adopts it rather than driving the upstream directly, since the
// upstream owns issuance cadence.
type ArtifactSource interface {
	CurrentArtifact(tenantID string) ([]byte, bool)
}

// Info is a point-in-time view of a tenant's tracker.
type Info struct {
	Artifact          []byte
	Status            Status
	LastGenerated     time.Time
	RegenerationCount int
}

type tracker struct {
	status     Status
	artifact   []byte
	created    time.Time // when this pairing attempt opened
	lastGen    time.Time
	regenCount int
	stopped    bool          // window elapsed or regeneration budget exhausted
	first      chan struct{} // closed when the first artifact arrives
}

// Service holds one tracker per pairing tenant and owns every timer involved:
// the Start wait, the staleness probe, and the idle cleanup sweep.
type Service struct {
	log *logging.Logger
	clk clock.Clock
	src ArtifactSource

	// Window bounds how long a tenant may keep pairing before the tracker
	// stops regenerating; zero leaves only the regeneration budget. Set
	// before Run.
	Window time.Duration

	mu       sync.Mutex
	trackers map[string]*tracker
}

// NewService creates a Service. Run must be started for the background probe
// and cleanup to operate.
func NewService(log *logging.Logger, clk clock.Clock, src ArtifactSource) *Service {
	return &Service{
		log:      log,
		clk:      clk,
		src:      src,
		trackers: make(map[string]*tracker),
	}
}

// Start creates the tenant's tracker and blocks until the first artifact
// arrives, the 30 s window elapses, or ctx is cancelled. It returns nil
// without error on timeout; callers poll Current afterwards.
func (s *Service) Start(ctx context.Context, tenantID string) ([]byte, error) {
	s.mu.Lock()
	tr := s.trackers[tenantID]
	if tr == nil {
		now := s.clk.Now()
		tr = &tracker{
			status:  StatusGenerating,
			created: now,
			lastGen: now,
			first:   make(chan struct{}),
		}
		s.trackers[tenantID] = tr
	}
	if len(tr.artifact) > 0 {
		art := tr.artifact
		s.mu.Unlock()
		return art, nil
	}
	first := tr.first
	s.mu.Unlock()

	select {
	case <-first:
	case <-s.clk.After(startWait):
		s.log.Debug("pairing start timed out waiting for first artifact", "tenant", tenantID)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tr := s.trackers[tenantID]; tr != nil {
		return tr.artifact, nil
	}
	return nil, nil
}

// Deliver records a fresh artifact pushed by the session layer. It creates
// the tracker if the session entered pairing without a Start call.
func (s *Service) Deliver(tenantID string, artifact []byte) {
	if len(artifact) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.trackers[tenantID]
	if tr == nil {
		tr = &tracker{created: s.clk.Now(), first: make(chan struct{})}
		s.trackers[tenantID] = tr
	}
	if tr.status == StatusConnected {
		return
	}
	if tr.stopped {
		// A fresh artifact after a stop means the tenant restarted
		// pairing, so the window opens again.
		tr.stopped = false
		tr.created = s.clk.Now()
	}
	tr.artifact = artifact
	tr.lastGen = s.clk.Now()
	tr.status = StatusAvailable
	select {
	case <-tr.first:
	default:
		close(tr.first)
	}
}

// Current returns the cached tracker state. A stale artifact still comes back
// as-is while an asynchronous regeneration prepares a fresh one, so pollers
// always see a value once the tenant has been observed pairing.
func (s *Service) Current(tenantID string) (Info, bool) {
	s.mu.Lock()
	tr := s.trackers[tenantID]
	if tr == nil {
		s.mu.Unlock()
		return Info{}, false
	}
	s.expireWindowLocked(tenantID, tr)
	// Only an available artifact can go stale; generating and expired
	// trackers already have a regeneration pending or the probe retrying,
	// so concurrent pollers share one regeneration per expiry.
	stale := tr.status == StatusAvailable && s.clk.Since(tr.lastGen) > ArtifactLifetime
	if stale {
		tr.status = StatusExpired
	}
	info := s.snapshotLocked(tr)
	s.mu.Unlock()

	if stale {
		go s.regenerate(tenantID)
	}
	return info, true
}

// MarkConnected clears the artifact and parks the tracker; pairing is over.
func (s *Service) MarkConnected(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackers[tenantID]
	if tr == nil {
		return
	}
	tr.status = StatusConnected
	tr.artifact = nil
	tr.lastGen = s.clk.Now()
}

// Stop tears the tenant's tracker down entirely.
func (s *Service) Stop(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, tenantID)
}

// Run drives the staleness probe and the idle cleanup sweep until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	probe := s.clk.After(probeInterval)
	cleanup := s.clk.After(cleanupInterval)
	for {
		select {
		case <-probe:
			s.probeStale()
			probe = s.clk.After(probeInterval)
		case <-cleanup:
			if n := s.sweepIdle(); n > 0 {
				s.log.Debug("pairing tracker sweep", "removed", n)
			}
			cleanup = s.clk.After(cleanupInterval)
		case <-ctx.Done():
			return nil
		}
	}
}

// probeStale regenerates every tracker whose artifact outlived its lifetime,
// and retries trackers stuck without one past the same window.
func (s *Service) probeStale() {
	s.mu.Lock()
	var stale []string
	for id, tr := range s.trackers {
		s.expireWindowLocked(id, tr)
		if tr.status == StatusConnected || tr.stopped {
			continue
		}
		if s.clk.Since(tr.lastGen) <= ArtifactLifetime {
			continue
		}
		if tr.status == StatusAvailable {
			tr.status = StatusExpired
		}
		stale = append(stale, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.regenerate(id)
	}
}

// regenerate adopts the session layer's current artifact. It never blocks a
// caller; budget exhaustion stops the tracker until an explicit restart.
func (s *Service) regenerate(tenantID string) {
	art, ok := s.src.CurrentArtifact(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trackers[tenantID]
	if tr == nil || tr.status == StatusConnected || tr.stopped {
		return
	}
	if tr.regenCount >= maxRegenerations {
		tr.stopped = true
		tr.status = StatusExpired
		tr.artifact = nil
		s.log.Warn("pairing regeneration budget exhausted", "tenant", tenantID)
		return
	}
	tr.regenCount++
	if !ok || len(art) == 0 {
		// Session has nothing yet; stay in generating until Deliver.
		tr.status = StatusGenerating
		return
	}
	tr.artifact = art
	tr.lastGen = s.clk.Now()
	tr.status = StatusAvailable
	s.log.Debug("pairing artifact regenerated", "tenant", tenantID, "count", tr.regenCount)
}

// expireWindowLocked stops a tracker whose pairing attempt has outlived the
// configured window. The tenant keeps the expired status until an explicit
// restart or a fresh delivery.
func (s *Service) expireWindowLocked(tenantID string, tr *tracker) {
	if s.Window <= 0 || tr.stopped || tr.status == StatusConnected {
		return
	}
	if s.clk.Since(tr.created) <= s.Window {
		return
	}
	tr.stopped = true
	tr.status = StatusExpired
	tr.artifact = nil
	s.log.Warn("pairing window expired", "tenant", tenantID, "window", s.Window)
}

// sweepIdle drops trackers that have been quiet past the idle threshold and
// never connected.
func (s *Service) sweepIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, tr := range s.trackers {
		if tr.status == StatusConnected {
			continue
		}
		if s.clk.Since(tr.lastGen) > idleThreshold {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}

// Len reports the current tracker count.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

func (s *Service) snapshotLocked(tr *tracker) Info {
	return Info{
		Artifact:          tr.artifact,
		Status:            tr.status,
		LastGenerated:     tr.lastGen,
		RegenerationCount: tr.regenCount,
	}
}
