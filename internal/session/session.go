// Package session runs one upstream session per tenant: a state machine fed
// by the adapter's event stream, with reconnect backoff, credential
// persistence, and outbound sends. The registry tracks every live manager.
package session

import (
	"errors"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/creds"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/upstream"
)

// Status of a tenant's session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQR           Status = "qr"
	StatusConnected    Status = "connected"
)

var (
	// ErrNotConnected rejects operations that need a connected session.
	ErrNotConnected = errors.New("session not connected")
	// ErrMediaFetch wraps failures downloading media by URL before a send.
	ErrMediaFetch = errors.New("media fetch failed")
	// ErrSessionNotFound is returned by registry lookups for unknown tenants.
	ErrSessionNotFound = errors.New("session not found")
)

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	TenantID          string
	SessionID         string
	Status            Status
	Artifact          []byte
	PhoneNumber       string
	PushName          string
	LastActivity      time.Time
	ReconnectAttempts int
}

// Connected reports whether the snapshot is in the connected state.
func (s Snapshot) Connected() bool { return s.Status == StatusConnected }

// MessageData is an outbound send request. Media is either inline bytes or a
// URL the manager fetches before delegating to the adapter.
type MessageData struct {
	To       string
	Type     string // text, image, video, audio, document
	Text     string
	MediaURL string
	Media    []byte
	MimeType string
	FileName string
	Caption  string
}

// EventSink receives everything a session emits. Status transitions for one
// tenant arrive in order; implementations must not block for long since they
// run on the session's consumer goroutine.
type EventSink interface {
	// SessionStatus is invoked on every state transition. phoneNumber is
	// set on transitions into connected.
	SessionStatus(tenantID string, status Status, phoneNumber string)
	// PairingArtifact is invoked for each fresh artifact while pairing.
	PairingArtifact(tenantID string, artifact []byte)
	// MessageReceived is invoked once per retained inbound message.
	MessageReceived(tenantID string, msg upstream.InboundMessage)
}

// Options configures the registry and the managers it creates.
type Options struct {
	Log     *logging.Logger
	Clock   clock.Clock
	Adapter upstream.Adapter
	Creds   *creds.Store
	Sink    EventSink

	// ConnectTimeout bounds each adapter Connect call.
	ConnectTimeout time.Duration
	// MaxReconnects caps reconnect attempts between successful opens.
	MaxReconnects int
	// MaxMediaBytes bounds media downloaded by URL; 0 means unbounded.
	MaxMediaBytes int64

	// AutoRegisterSink, when set, runs once for every newly created
	// session. The gateway uses it to attach the platform webhook.
	AutoRegisterSink func(tenantID string)
}
