package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/creds"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/metrics"
	"github.com/locai-labs/wagateway/internal/upstream"
)

const (
	defaultConnectTimeout = 60 * time.Second
	mediaFetchTimeout     = 30 * time.Second
)

// Manager owns one tenant's upstream session. A single goroutine consumes the
// adapter's event stream and applies every state transition; callers read
// through mutex-guarded snapshots and send through the live handle.
type Manager struct {
	tenantID  string
	sessionID string
	log       *logging.Logger
	clk       clock.Clock
	adapter   upstream.Adapter
	creds     *creds.Store
	sink      EventSink
	media     *http.Client

	connectTimeout time.Duration
	maxReconnects  int
	maxMediaBytes  int64

	mu           sync.Mutex
	status       Status
	artifact     []byte
	identity     upstream.Identity
	lastActivity time.Time
	attempts     int
	handle       upstream.Handle
	reason       string
	stopping     bool
	notify       chan struct{} // closed and replaced on every observable change

	cancel context.CancelFunc
	done   chan struct{} // closed when the consumer goroutine exits
}

func newManager(opts Options, tenantID string, media *http.Client) *Manager {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	now := opts.Clock.Now()
	return &Manager{
		tenantID:       tenantID,
		sessionID:      fmt.Sprintf("%s_%d", tenantID, now.UnixMilli()),
		log:            opts.Log.With("tenant", tenantID),
		clk:            opts.Clock,
		adapter:        opts.Adapter,
		creds:          opts.Creds,
		sink:           opts.Sink,
		media:          media,
		connectTimeout: timeout,
		maxReconnects:  opts.MaxReconnects,
		maxMediaBytes:  opts.MaxMediaBytes,
		status:         StatusDisconnected,
		lastActivity:   now,
		notify:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// start transitions to connecting and launches the consumer goroutine.
func (m *Manager) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.toConnecting()
	go m.run(ctx)
}

// TenantID returns the owning tenant.
func (m *Manager) TenantID() string { return m.tenantID }

// SessionID returns the id assigned at creation, stable for the manager's
// lifetime.
func (m *Manager) SessionID() string { return m.sessionID }

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	var artifact []byte
	if len(m.artifact) > 0 {
		artifact = append([]byte(nil), m.artifact...)
	}
	return Snapshot{
		TenantID:          m.tenantID,
		SessionID:         m.sessionID,
		Status:            m.status,
		Artifact:          artifact,
		PhoneNumber:       m.identity.PhoneNumber,
		PushName:          m.identity.PushName,
		LastActivity:      m.lastActivity,
		ReconnectAttempts: m.attempts,
	}
}

// WaitReady blocks until the session reaches qr, connected, or disconnected,
// a fresh artifact arrives, the timeout elapses, or ctx is cancelled, and
// returns the snapshot current at wake-up.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) Snapshot {
	deadline := m.clk.After(timeout)
	for {
		m.mu.Lock()
		if m.status != StatusConnecting {
			snap := m.snapshotLocked()
			m.mu.Unlock()
			return snap
		}
		wake := m.notify
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return m.Snapshot()
		case <-ctx.Done():
			return m.Snapshot()
		}
	}
}

// Send delivers an outbound message through the connected session. Media
// referenced by URL is fetched first with a bounded GET.
func (m *Manager) Send(ctx context.Context, data MessageData) (upstream.SendResult, error) {
	m.mu.Lock()
	handle := m.handle
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if !connected || handle == nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return upstream.SendResult{}, ErrNotConnected
	}

	msg := upstream.Message{
		Type:     data.Type,
		Text:     data.Text,
		Media:    data.Media,
		MimeType: data.MimeType,
		FileName: data.FileName,
		Caption:  data.Caption,
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.Type != "text" && len(msg.Media) == 0 {
		if data.MediaURL == "" {
			metrics.MessagesSent.WithLabelValues("failed").Inc()
			return upstream.SendResult{}, fmt.Errorf("%s message without media content", msg.Type)
		}
		body, mime, err := m.fetchMedia(ctx, data.MediaURL)
		if err != nil {
			metrics.MessagesSent.WithLabelValues("failed").Inc()
			return upstream.SendResult{}, err
		}
		msg.Media = body
		if msg.MimeType == "" {
			msg.MimeType = mime
		}
	}

	res, err := handle.Send(ctx, data.To, msg)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return upstream.SendResult{}, fmt.Errorf("send message: %w", err)
	}
	m.touch()
	metrics.MessagesSent.WithLabelValues("success").Inc()
	m.log.Debug("message sent", "to", data.To, "type", msg.Type, "message_id", res.MessageID)
	return res, nil
}

// Stop tears the session down without logging out; credentials stay on disk
// so the next start resumes. It waits for the consumer goroutine or ctx.
func (m *Manager) Stop(ctx context.Context) error {
	handle, started := m.beginShutdown()
	if started {
		if handle != nil {
			_ = handle.Close()
		}
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout closes the session, invalidates credentials upstream best-effort,
// and purges the tenant's stored bundle.
func (m *Manager) Logout(ctx context.Context) error {
	handle, started := m.beginShutdown()
	if started && handle != nil {
		if err := handle.Logout(ctx); err != nil {
			m.log.Warn("upstream logout", "error", err)
		}
		_ = handle.Close()
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.creds.Purge(m.tenantID)
}

// beginShutdown flips the stopping flag and cancels the session context
// exactly once. It returns the live handle for the caller to close.
func (m *Manager) beginShutdown() (upstream.Handle, bool) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, false
	}
	m.stopping = true
	if m.reason == "" {
		m.reason = "stopped"
	}
	handle := m.handle
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return handle, true
}

// --- consumer goroutine ---

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session loop panic", "panic", r, "stack", string(debug.Stack()))
			m.setReason("internal error")
		}
		m.clearHandle()
		m.toDisconnected(m.takeReason())
	}()

	bundle, err := m.creds.Load(m.tenantID)
	if err != nil {
		m.log.Warn("load credentials", "error", err)
	}

	for {
		handle, err := m.connect(ctx, bundle)
		if err != nil {
			if ctx.Err() != nil || m.isStopping() {
				return
			}
			delay, ok := m.bumpAttempt()
			if !ok {
				m.setReason("reconnect budget exhausted")
				return
			}
			m.log.Warn("upstream connect failed, retrying", "error", err, "delay", delay)
			if clock.Sleep(ctx, m.clk, delay) != nil {
				return
			}
			continue
		}

		m.setHandle(handle)
		reconnect, delay := m.consume(ctx, handle)
		m.clearHandle()
		_ = handle.Close()
		if !reconnect {
			return
		}
		if clock.Sleep(ctx, m.clk, delay) != nil {
			return
		}
		// Reload the bundle: credential updates may have been persisted
		// while the previous connection was up.
		if fresh, err := m.creds.Load(m.tenantID); err == nil {
			bundle = fresh
		} else {
			m.log.Warn("reload credentials", "error", err)
		}
	}
}

func (m *Manager) connect(ctx context.Context, bundle []byte) (upstream.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	return m.adapter.Connect(ctx, m.tenantID, bundle)
}

// consume applies adapter updates until the stream ends, a close update
// arrives, or ctx is cancelled. It reports whether to reconnect and after
// what delay.
func (m *Manager) consume(ctx context.Context, h upstream.Handle) (bool, time.Duration) {
	for {
		select {
		case u, ok := <-h.Events():
			if !ok {
				if ctx.Err() != nil || m.isStopping() {
					return false, 0
				}
				// Stream ended without a close update: a dropped
				// connection, subject to the same reconnect policy.
				return m.onClose("connection lost", false)
			}
			switch u.Kind {
			case upstream.KindPairing:
				m.onPairing(u.Pairing)
			case upstream.KindState:
				switch u.Phase {
				case upstream.PhaseConnecting:
					m.log.Debug("upstream connecting")
				case upstream.PhaseOpen:
					m.onOpen(h)
				case upstream.PhaseClose:
					if ctx.Err() != nil || m.isStopping() {
						return false, 0
					}
					return m.onClose(u.Reason, u.LoggedOut)
				}
			case upstream.KindCredentials:
				m.onCredentials(u.Credentials)
			case upstream.KindMessages:
				m.onInbound(u.Messages)
			}
		case <-ctx.Done():
			return false, 0
		}
	}
}

func (m *Manager) onPairing(artifact []byte) {
	if len(artifact) == 0 {
		return
	}
	m.mu.Lock()
	m.artifact = artifact
	m.lastActivity = m.clk.Now()
	entered := m.status != StatusQR
	if entered {
		m.status = StatusQR
	}
	m.broadcastLocked()
	m.mu.Unlock()

	metrics.PairingArtifacts.Inc()
	m.log.Info("pairing artifact received", "bytes", len(artifact))
	m.sink.PairingArtifact(m.tenantID, artifact)
	if entered {
		m.sink.SessionStatus(m.tenantID, StatusQR, "")
	}
}

func (m *Manager) onOpen(h upstream.Handle) {
	ident := h.Identity()
	m.mu.Lock()
	m.status = StatusConnected
	m.identity = ident
	m.artifact = nil
	m.attempts = 0
	m.lastActivity = m.clk.Now()
	m.broadcastLocked()
	m.mu.Unlock()

	m.log.Info("session connected", "phone", ident.PhoneNumber, "push_name", ident.PushName)
	m.sink.SessionStatus(m.tenantID, StatusConnected, ident.PhoneNumber)
}

func (m *Manager) onClose(reason string, loggedOut bool) (bool, time.Duration) {
	if loggedOut {
		m.log.Info("upstream logged us out, purging credentials", "reason", reason)
		if err := m.creds.Purge(m.tenantID); err != nil {
			m.log.Error("purge credentials", "error", err)
		}
		m.setReason("logged out")
		return false, 0
	}

	delay, ok := m.bumpAttempt()
	if !ok {
		m.log.Warn("reconnect budget exhausted", "reason", reason)
		m.setReason("reconnect budget exhausted")
		return false, 0
	}
	m.log.Warn("upstream connection closed, reconnecting", "reason", reason, "delay", delay)
	m.toConnecting()
	return true, delay
}

func (m *Manager) onCredentials(bundle []byte) {
	if len(bundle) == 0 {
		return
	}
	// A failed save never tears down a live session; the next update
	// retries.
	if err := m.creds.Save(m.tenantID, bundle); err != nil {
		m.log.Error("persist credentials", "error", err)
		return
	}
	m.log.Debug("credentials persisted", "bytes", len(bundle))
}

func (m *Manager) onInbound(batch []upstream.InboundMessage) {
	kept := 0
	for _, im := range batch {
		if im.FromMe {
			continue
		}
		if im.Text == "" && im.MediaURL == "" {
			continue
		}
		kept++
		metrics.MessagesReceived.Inc()
		m.sink.MessageReceived(m.tenantID, im)
	}
	if kept > 0 {
		m.touch()
		m.log.Debug("inbound batch", "received", len(batch), "kept", kept)
	}
}

// --- transitions and state helpers ---

func (m *Manager) toConnecting() {
	m.mu.Lock()
	if m.status == StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnecting
	m.broadcastLocked()
	m.mu.Unlock()
	m.sink.SessionStatus(m.tenantID, StatusConnecting, "")
}

func (m *Manager) toDisconnected(reason string) {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.artifact = nil
	m.lastActivity = m.clk.Now()
	m.broadcastLocked()
	m.mu.Unlock()

	m.log.Info("session disconnected", "reason", reason)
	m.sink.SessionStatus(m.tenantID, StatusDisconnected, "")
}

// bumpAttempt increments the reconnect counter inside the budget and returns
// the backoff delay for the new attempt.
func (m *Manager) bumpAttempt() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.maxReconnects {
		return 0, false
	}
	m.attempts++
	metrics.Reconnects.Inc()
	return reconnectDelay(m.attempts), true
}

// reconnectDelay implements min(5s * 2^(n-1), 30s) for attempt n.
func reconnectDelay(attempt int) time.Duration {
	d := 5 * time.Second << (attempt - 1)
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (m *Manager) fetchMedia(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, mediaFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	resp, err := m.media.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: url returned status %d", ErrMediaFetch, resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if m.maxMediaBytes > 0 {
		r = io.LimitReader(resp.Body, m.maxMediaBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	if m.maxMediaBytes > 0 && int64(len(body)) > m.maxMediaBytes {
		return nil, "", fmt.Errorf("%w: media exceeds %d bytes", ErrMediaFetch, m.maxMediaBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (m *Manager) setHandle(h upstream.Handle) {
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
}

func (m *Manager) clearHandle() {
	m.mu.Lock()
	m.handle = nil
	m.mu.Unlock()
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = m.clk.Now()
	m.mu.Unlock()
}

func (m *Manager) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

func (m *Manager) setReason(r string) {
	m.mu.Lock()
	if m.reason == "" {
		m.reason = r
	}
	m.mu.Unlock()
}

func (m *Manager) takeReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reason == "" {
		return "stopped"
	}
	return m.reason
}

// broadcastLocked wakes every WaitReady caller. Caller holds m.mu.
func (m *Manager) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
