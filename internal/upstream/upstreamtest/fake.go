// Package upstreamtest provides a scriptable in-memory upstream adapter for
// tests and the simulated development mode.
package upstreamtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/upstream"
)

// Fake implements upstream.Adapter. Tests drive a connected session through
// the Emit helpers on the returned *Conn and observe sends via Sent.
type Fake struct {
	mu sync.Mutex

	// ConnectErr, when set, is returned by the next Connect call.
	ConnectErr error
	// ConnectDelay blocks Connect until the delay elapses or ctx is done.
	ConnectDelay time.Duration

	conns    map[string]*Conn
	connects map[string]int
}

// NewFake returns an adapter with no scripted behavior.
func NewFake() *Fake {
	return &Fake{conns: make(map[string]*Conn), connects: make(map[string]int)}
}

// Connect records the attempt and returns a fresh Conn for the tenant.
func (f *Fake) Connect(ctx context.Context, tenantID string, credentials []byte) (upstream.Handle, error) {
	f.mu.Lock()
	err := f.ConnectErr
	delay := f.ConnectDelay
	f.connects[tenantID]++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		TenantID:    tenantID,
		Credentials: append([]byte(nil), credentials...),
		updates:     make(chan upstream.Update, 64),
	}
	f.mu.Lock()
	f.conns[tenantID] = c
	f.mu.Unlock()
	return c, nil
}

// Conn returns the most recent connection for a tenant, or nil.
func (f *Fake) Conn(tenantID string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[tenantID]
}

// Connects reports how many times Connect was called for a tenant.
func (f *Fake) Connects(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[tenantID]
}

// SetConnectErr scripts the next Connect calls to fail.
func (f *Fake) SetConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectErr = err
}

// Conn is one fake upstream session.
type Conn struct {
	TenantID    string
	Credentials []byte

	mu        sync.Mutex
	updates   chan upstream.Update
	closed    bool
	loggedOut bool
	identity  upstream.Identity
	sent      []SentMessage
	sendErr   error
	nextID    int
}

// SentMessage records one Send call.
type SentMessage struct {
	To  string
	Msg upstream.Message
}

func (c *Conn) Events() <-chan upstream.Update { return c.updates }

func (c *Conn) Send(ctx context.Context, to string, msg upstream.Message) (upstream.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return upstream.SendResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return upstream.SendResult{}, c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, SentMessage{To: to, Msg: msg})
	return upstream.SendResult{
		MessageID: fmt.Sprintf("fake-%d", c.nextID),
		Timestamp: time.Now(),
	}, nil
}

func (c *Conn) Identity() upstream.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.Close()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
	return nil
}

// Closed reports whether Close or Logout was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout was called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Sent returns a copy of every message sent through this connection.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// SetSendErr makes subsequent Send calls fail.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Emit injects a raw update into the event stream. It panics if the
// connection is closed, which in a test is the bug being surfaced.
func (c *Conn) Emit(u upstream.Update) {
	c.updates <- u
}

// EmitPairing injects a pairing artifact.
func (c *Conn) EmitPairing(artifact []byte) {
	c.Emit(upstream.Update{Kind: upstream.KindPairing, Pairing: artifact})
}

// EmitOpen injects state=open with the given identity.
func (c *Conn) EmitOpen(phone, pushName string) {
	c.mu.Lock()
	c.identity = upstream.Identity{PhoneNumber: phone, PushName: pushName}
	c.mu.Unlock()
	c.Emit(upstream.Update{Kind: upstream.KindState, Phase: upstream.PhaseOpen})
}

// EmitClose injects state=close and closes the stream, like a dropped
// network connection.
func (c *Conn) EmitClose(reason string, loggedOut bool) {
	c.Emit(upstream.Update{Kind: upstream.KindState, Phase: upstream.PhaseClose, Reason: reason, LoggedOut: loggedOut})
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
	c.mu.Unlock()
}

// EmitCredentials injects a refreshed credential bundle.
func (c *Conn) EmitCredentials(bundle []byte) {
	c.Emit(upstream.Update{Kind: upstream.KindCredentials, Credentials: bundle})
}

// EmitMessages injects one inbound batch.
func (c *Conn) EmitMessages(msgs ...upstream.InboundMessage) {
	c.Emit(upstream.Update{Kind: upstream.KindMessages, Messages: msgs})
}
