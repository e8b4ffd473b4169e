// Package simulator implements upstream.Adapter without a network. Fresh
// sessions cycle pairing artifacts and auto-pair after a delay; resumed
// sessions open immediately. It lets the gateway run end-to-end in
// development, with real protocol drivers plugged in the same way.
package simulator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/upstream"
)

const (
	defaultArtifactEvery = 20 * time.Second
	defaultPairAfter     = 45 * time.Second
	defaultOpenDelay     = 300 * time.Millisecond
	credsRefreshEvery    = 5 * time.Minute
)

// Adapter simulates the upstream chat network.
type Adapter struct {
	log *logging.Logger
	clk clock.Clock

	// ArtifactEvery is the cadence of fresh pairing artifacts.
	ArtifactEvery time.Duration
	// PairAfter is how long a fresh session waits before auto-pairing.
	PairAfter time.Duration
	// OpenDelay is the handshake time for a resumed session.
	OpenDelay time.Duration
}

// New returns a simulator with the default timings.
func New(log *logging.Logger, clk clock.Clock) *Adapter {
	return &Adapter{
		log:           log,
		clk:           clk,
		ArtifactEvery: defaultArtifactEvery,
		PairAfter:     defaultPairAfter,
		OpenDelay:     defaultOpenDelay,
	}
}

// Connect starts a simulated session. A non-empty credential bundle resumes
// straight to open; otherwise the session walks through pairing.
func (a *Adapter) Connect(ctx context.Context, tenantID string, credentials []byte) (upstream.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		tenantID: tenantID,
		identity: identityFor(tenantID),
		updates:  make(chan upstream.Update, 16),
		done:     make(chan struct{}),
	}
	a.log.Debug("simulated connect", "tenant", tenantID, "resume", len(credentials) > 0)
	go c.run(a, len(credentials) > 0)
	return c, nil
}

type conn struct {
	tenantID string
	identity upstream.Identity
	updates  chan upstream.Update

	mu        sync.Mutex
	open      bool
	closed    bool
	loggedOut bool
	nextID    int

	done chan struct{}
}

func (c *conn) run(a *Adapter, resume bool) {
	defer close(c.updates)

	c.push(upstream.Update{Kind: upstream.KindState, Phase: upstream.PhaseConnecting})

	if resume {
		select {
		case <-a.clk.After(a.OpenDelay):
		case <-c.done:
			return
		}
	} else {
		paired := a.clk.After(a.PairAfter)
		c.push(upstream.Update{Kind: upstream.KindPairing, Pairing: c.artifact()})
	pairing:
		for {
			select {
			case <-a.clk.After(a.ArtifactEvery):
				c.push(upstream.Update{Kind: upstream.KindPairing, Pairing: c.artifact()})
			case <-paired:
				break pairing
			case <-c.done:
				return
			}
		}
		c.push(upstream.Update{Kind: upstream.KindCredentials, Credentials: c.bundle(a.clk.Now())})
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.push(upstream.Update{Kind: upstream.KindState, Phase: upstream.PhaseOpen})

	for {
		select {
		case <-a.clk.After(credsRefreshEvery):
			c.push(upstream.Update{Kind: upstream.KindCredentials, Credentials: c.bundle(a.clk.Now())})
		case <-c.done:
			return
		}
	}
}

// push delivers an update unless the connection is being torn down.
func (c *conn) push(u upstream.Update) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

func (c *conn) artifact() []byte {
	return []byte(fmt.Sprintf("sim://pair/%s/%s", c.tenantID, uuid.NewString()))
}

func (c *conn) bundle(now time.Time) []byte {
	return []byte(fmt.Sprintf(`{"tenant":%q,"issued":%d,"token":%q}`, c.tenantID, now.UnixMilli(), uuid.NewString()))
}

func (c *conn) Events() <-chan upstream.Update { return c.updates }

func (c *conn) Send(ctx context.Context, to string, msg upstream.Message) (upstream.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return upstream.SendResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.closed {
		return upstream.SendResult{}, fmt.Errorf("simulated session for %s is not open", c.tenantID)
	}
	c.nextID++
	return upstream.SendResult{
		MessageID: fmt.Sprintf("sim-%s-%d", c.tenantID, c.nextID),
		Timestamp: time.Now(),
	}, nil
}

func (c *conn) Identity() upstream.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return upstream.Identity{}
	}
	return c.identity
}

func (c *conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.Close()
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// identityFor derives a stable fake phone number from the tenant id.
func identityFor(tenantID string) upstream.Identity {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return upstream.Identity{
		PhoneNumber: fmt.Sprintf("+5511%08d", h.Sum32()%100000000),
		PushName:    tenantID,
	}
}
