// Package upstream defines the capability interface onto the external chat
// network. The gateway consumes it; a protocol driver implements it.
package upstream

import (
	"context"
	"time"
)

// Phase is the connection phase reported by state updates.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClose      Phase = "close"
)

// UpdateKind discriminates the Update variants.
type UpdateKind int

const (
	// KindPairing carries a fresh pairing artifact while the session is
	// unauthenticated.
	KindPairing UpdateKind = iota + 1
	// KindState reports a connection phase change.
	KindState
	// KindCredentials carries a refreshed credential bundle to persist.
	KindCredentials
	// KindMessages carries a batch of inbound messages.
	KindMessages
)

// Update is a single event from the upstream connection. Exactly the fields
// for its Kind are set.
type Update struct {
	Kind UpdateKind

	// KindPairing
	Pairing []byte

	// KindState
	Phase     Phase
	Reason    string
	LoggedOut bool // the upstream invalidated our credentials

	// KindCredentials
	Credentials []byte

	// KindMessages
	Messages []InboundMessage
}

// InboundMessage is one message received from the network.
type InboundMessage struct {
	ID        string
	From      string
	To        string
	PushName  string
	Text      string
	Type      string // text, image, video, audio, document
	MediaURL  string
	Caption   string
	FromMe    bool
	Timestamp time.Time
}

// Message is outbound content handed to Send.
type Message struct {
	Type     string // text, image, video, audio, document
	Text     string
	Media    []byte
	MimeType string
	FileName string
	Caption  string
}

// SendResult is the server acknowledgement for an outbound message.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Identity is the authenticated account behind a connected session.
type Identity struct {
	PhoneNumber string
	PushName    string
}

// Handle is one live upstream session. Events is the single source of truth
// for session state; consumers never poll.
type Handle interface {
	// Events returns the update stream. The channel is closed when the
	// connection is torn down.
	Events() <-chan Update
	// Send delivers a message to the given recipient.
	Send(ctx context.Context, to string, msg Message) (SendResult, error)
	// Identity reports the connected account. Zero value before open.
	Identity() Identity
	// Logout invalidates the credentials upstream, best effort.
	Logout(ctx context.Context) error
	// Close tears down the connection without logging out.
	Close() error
}

// Adapter establishes upstream sessions. A nil or empty credential bundle
// starts a first-time connect, which yields pairing updates.
type Adapter interface {
	Connect(ctx context.Context, tenantID string, credentials []byte) (Handle, error)
}
