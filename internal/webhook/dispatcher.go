// Package webhook fans inbound gateway events out to tenant-registered HTTP
// sinks: deduplicated, signed, retried, and deactivated when persistently
// failing.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/events"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/metrics"
)

const (
	requestTimeout = 8 * time.Second
	maxRedirects   = 2
	maxRetries     = 2 // retries after the first attempt
	maxErrorCount  = 10
	userAgent      = "WhatsApp-Microservice/1.0.0"
)

// Outbound event names as they appear in payloads and X-Webhook-Event.
const (
	EventMessage      = "message"
	EventStatusChange = "status_change"
	EventTest         = "test"
)

// Subscription types a sink can register for.
const (
	SubMessage = "message"
	SubStatus  = "status"
)

var (
	ErrSinkNotFound  = errors.New("webhook sink not found")
	ErrInvalidURL    = errors.New("invalid webhook url")
	ErrInvalidEvents = errors.New("invalid webhook event types")
)

// Sink is a tenant-owned HTTP endpoint. One active sink per tenant;
// re-registration updates it in place and keeps the id and counters.
type Sink struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	URL          string    `json:"url"`
	Secret       string    `json:"-"`
	HasSecret    bool      `json:"hasSecret"`
	Events       []string  `json:"events"`
	Active       bool      `json:"active"`
	SuccessCount int       `json:"successCount"`
	ErrorCount   int       `json:"errorCount"`
	LastUsed     time.Time `json:"lastUsed"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Message is the inbound message data forwarded to sinks.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	Caption   string `json:"caption,omitempty"`
	PushName  string `json:"pushName,omitempty"`
}

// payload is the wire envelope POSTed to sinks. Timestamp is Unix
// milliseconds.
type payload struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	TenantID  string `json:"tenantId"`
	Data      any    `json:"data"`
}

type statusData struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Event       string `json:"event"`
}

// TestResult reports the outcome of a manual sink test.
type TestResult struct {
	Success      bool   `json:"success"`
	ResponseTime int64  `json:"responseTime"` // milliseconds
	Status       int    `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Dispatcher owns the sink registry, the dedup set, and the stats store, and
// performs all outbound webhook traffic.
type Dispatcher struct {
	log        *logging.Logger
	clk        clock.Clock
	bus        *events.Bus
	client     *http.Client
	emitPrefix bool

	mu          sync.Mutex
	sinks       map[string]*Sink // tenantID -> sink
	statusQueue map[string]*tenantQueue

	dedup *dedupStore
	stats *statsStore

	wg sync.WaitGroup
}

// New creates a Dispatcher. signatureFormat is "hex" (bare) or "sha256"
// (sha256=<hex>); verification always accepts both.
func New(log *logging.Logger, clk clock.Clock, bus *events.Bus, signatureFormat string) *Dispatcher {
	return &Dispatcher{
		log:        log,
		clk:        clk,
		bus:        bus,
		emitPrefix: signatureFormat == "sha256",
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		sinks:       make(map[string]*Sink),
		statusQueue: make(map[string]*tenantQueue),
		dedup:       newDedupStore(clk),
		stats:       newStatsStore(clk),
	}
}

// Register creates the tenant's sink, or updates it in place when one
// already exists: the id and counters are preserved and the sink is
// reactivated.
func (d *Dispatcher) Register(tenantID, rawURL, secret string, eventTypes []string) (Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Sink{}, ErrInvalidURL
	}
	evts, err := normalizeEvents(eventTypes)
	if err != nil {
		return Sink{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sink, ok := d.sinks[tenantID]
	if !ok {
		sink = &Sink{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			CreatedAt: d.clk.Now(),
		}
		d.sinks[tenantID] = sink
	}
	sink.URL = rawURL
	sink.Secret = secret
	sink.HasSecret = secret != ""
	sink.Events = evts
	sink.Active = true
	d.syncSinkGauge()

	d.log.Info("webhook sink registered", "tenant", tenantID, "sink", sink.ID, "events", evts)
	return *sink, nil
}

// Get returns the tenant's sink, if any.
func (d *Dispatcher) Get(tenantID string) (Sink, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	if !ok {
		return Sink{}, false
	}
	return *sink, true
}

// List returns the tenant's sinks (zero or one in this variant).
func (d *Dispatcher) List(tenantID string) []Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	if !ok {
		return nil
	}
	return []Sink{*sink}
}

// Delete removes the sink. The sink id must match the registered one.
func (d *Dispatcher) Delete(tenantID, sinkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	if !ok || sink.ID != sinkID {
		return ErrSinkNotFound
	}
	delete(d.sinks, tenantID)
	d.syncSinkGauge()
	d.log.Info("webhook sink deleted", "tenant", tenantID, "sink", sinkID)
	return nil
}

// Stats returns the tenant's delivery stats.
func (d *Dispatcher) Stats(tenantID string) (Stats, bool) {
	return d.stats.Get(tenantID)
}

// SinkCount reports registered and active sink totals across all tenants.
func (d *Dispatcher) SinkCount() (total, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sinks {
		total++
		if s.Active {
			active++
		}
	}
	return total, active
}

// DispatchMessage forwards one inbound message to the tenant's sink. The
// dedup key is committed before the send so concurrent batches carrying the
// same message id produce a single delivery; it is released again if every
// attempt fails.
func (d *Dispatcher) DispatchMessage(tenantID string, msg Message) {
	sink, ok := d.activeSink(tenantID, SubMessage)
	if !ok {
		return
	}
	if !d.dedup.Precommit(tenantID, msg.MessageID) {
		metrics.WebhookDedupDrops.Inc()
		d.log.Debug("duplicate message dropped", "tenant", tenantID, "message_id", msg.MessageID)
		return
	}

	p := payload{
		Event:     EventMessage,
		Timestamp: d.clk.Now().UnixMilli(),
		TenantID:  tenantID,
		Data:      msg,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if !d.deliver(sink, p) {
			d.dedup.Remove(tenantID, msg.MessageID)
		}
	}()
}

// DispatchStatus forwards a session status transition. Status events bypass
// dedup but are delivered in transition order per tenant.
func (d *Dispatcher) DispatchStatus(tenantID, status, phoneNumber string) {
	if _, ok := d.activeSink(tenantID, SubStatus); !ok {
		return
	}
	p := payload{
		Event:     EventStatusChange,
		Timestamp: d.clk.Now().UnixMilli(),
		TenantID:  tenantID,
		Data: statusData{
			Status:      status,
			PhoneNumber: phoneNumber,
			Event:       status,
		},
	}
	d.enqueueStatus(tenantID, p)
}

// Test sends a test event to the given sink synchronously, without touching
// dedup or the error budget.
func (d *Dispatcher) Test(ctx context.Context, tenantID, sinkID string) (TestResult, error) {
	d.mu.Lock()
	sink, ok := d.sinks[tenantID]
	var target Sink
	if ok && sink.ID == sinkID {
		target = *sink
	} else {
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return TestResult{}, ErrSinkNotFound
	}

	p := payload{
		Event:     EventTest,
		Timestamp: d.clk.Now().UnixMilli(),
		TenantID:  tenantID,
		Data:      map[string]string{"message": "webhook test"},
	}
	body, err := json.Marshal(p)
	if err != nil {
		return TestResult{}, fmt.Errorf("marshal test payload: %w", err)
	}

	start := d.clk.Now()
	status, err := d.post(ctx, target, EventTest, body)
	elapsed := d.clk.Since(start)

	res := TestResult{ResponseTime: elapsed.Milliseconds()}
	switch {
	case err != nil:
		res.Error = err.Error()
	case status < 200 || status >= 300:
		res.Status = status
		res.Error = fmt.Sprintf("sink returned status %d", status)
	default:
		res.Success = true
		res.Status = status
	}
	return res, nil
}

// SweepDedup evicts dedup entries older than the window. Wired to a 2 min
// schedule.
func (d *Dispatcher) SweepDedup() {
	if n := d.dedup.Sweep(); n > 0 {
		d.log.Debug("dedup sweep", "removed", n, "remaining", d.dedup.Len())
	}
}

// SweepStats evicts stats for tenants idle longer than 24 h. Wired to a 1 h
// schedule.
func (d *Dispatcher) SweepStats() {
	if n := d.stats.Sweep(); n > 0 {
		d.log.Debug("stats sweep", "removed", n)
	}
}

// Drain waits for in-flight deliveries to finish or ctx to expire.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- delivery internals ---

// tenantQueue serializes status deliveries for one tenant so transition
// order survives the async fan-out.
type tenantQueue struct {
	items   []payload
	running bool
}

func (d *Dispatcher) enqueueStatus(tenantID string, p payload) {
	d.mu.Lock()
	q := d.statusQueue[tenantID]
	if q == nil {
		q = &tenantQueue{}
		d.statusQueue[tenantID] = q
	}
	q.items = append(q.items, p)
	if q.running {
		d.mu.Unlock()
		return
	}
	q.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			d.mu.Lock()
			if len(q.items) == 0 {
				q.running = false
				d.mu.Unlock()
				return
			}
			next := q.items[0]
			q.items = q.items[1:]
			d.mu.Unlock()

			// Re-snapshot: the sink may have been replaced or deactivated
			// since the event was queued.
			if sink, ok := d.activeSink(next.TenantID, SubStatus); ok {
				d.deliver(sink, next)
			}
		}
	}()
}

// activeSink snapshots the tenant's sink when it is active and subscribed to
// the given event type.
func (d *Dispatcher) activeSink(tenantID, sub string) (Sink, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	if !ok || !sink.Active || !subscribed(sink.Events, sub) {
		return Sink{}, false
	}
	return *sink, true
}

// deliver POSTs the payload with retries. Returns true on success.
func (d *Dispatcher) deliver(sink Sink, p payload) bool {
	body, err := json.Marshal(p)
	if err != nil {
		d.log.Error("marshal webhook payload", "tenant", sink.TenantID, "error", err)
		return false
	}

	for attempt := 0; ; attempt++ {
		start := d.clk.Now()
		status, err := d.post(context.Background(), sink, p.Event, body)
		elapsed := d.clk.Since(start)

		if err == nil && status >= 200 && status < 300 {
			d.recordSuccess(sink, p.Event, elapsed)
			return true
		}

		retriable := err != nil || status >= 500
		if !retriable || attempt >= maxRetries {
			d.recordFailure(sink, p.Event, status, err)
			return false
		}

		delay := retryDelay(attempt)
		d.log.Warn("webhook delivery failed, retrying",
			"tenant", sink.TenantID, "event", p.Event, "attempt", attempt+1,
			"delay", delay, "status", status, "error", err)
		<-d.clk.After(delay)
	}
}

// retryDelay implements min(1s * 2^attempt, 5s).
func retryDelay(attempt int) time.Duration {
	delay := time.Second << attempt
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

func (d *Dispatcher) post(ctx context.Context, sink Sink, event string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Tenant-ID", sink.TenantID)
	if sink.Secret != "" {
		sig := Sign(sink.Secret, body)
		if d.emitPrefix {
			sig = sha256Prefix + sig
		}
		req.Header.Set("X-Webhook-Signature", sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordSuccess(snapshot Sink, event string, elapsed time.Duration) {
	d.mu.Lock()
	if sink, ok := d.sinks[snapshot.TenantID]; ok && sink.ID == snapshot.ID {
		sink.SuccessCount++
		sink.LastUsed = d.clk.Now()
	}
	d.mu.Unlock()

	d.stats.Record(snapshot.TenantID, true, elapsed)
	metrics.WebhookDeliveries.WithLabelValues("success").Inc()
	metrics.WebhookDeliveryDuration.Observe(elapsed.Seconds())
	d.bus.Publish(events.SSEEvent{
		Type:      events.EventWebhookDelivered,
		TenantID:  snapshot.TenantID,
		Message:   event,
		Timestamp: d.clk.Now(),
	})
}

func (d *Dispatcher) recordFailure(snapshot Sink, event string, status int, err error) {
	deactivated := false
	d.mu.Lock()
	if sink, ok := d.sinks[snapshot.TenantID]; ok && sink.ID == snapshot.ID {
		sink.ErrorCount++
		sink.LastUsed = d.clk.Now()
		if sink.Active && sink.ErrorCount > maxErrorCount {
			sink.Active = false
			deactivated = true
			d.syncSinkGauge()
		}
	}
	d.mu.Unlock()

	d.stats.Record(snapshot.TenantID, false, 0)
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.log.Error("webhook delivery failed",
		"tenant", snapshot.TenantID, "event", event, "status", status, "error", err)
	d.bus.Publish(events.SSEEvent{
		Type:      events.EventWebhookFailed,
		TenantID:  snapshot.TenantID,
		Message:   event,
		Timestamp: d.clk.Now(),
	})

	if deactivated {
		metrics.WebhookSinksDeactivated.Inc()
		d.log.Warn("webhook sink deactivated after repeated failures",
			"tenant", snapshot.TenantID, "sink", snapshot.ID, "errors", maxErrorCount+1)
		d.bus.Publish(events.SSEEvent{
			Type:      events.EventWebhookDeactivated,
			TenantID:  snapshot.TenantID,
			Timestamp: d.clk.Now(),
		})
	}
}

// syncSinkGauge recomputes the active-sink gauge. Caller holds d.mu.
func (d *Dispatcher) syncSinkGauge() {
	n := 0
	for _, s := range d.sinks {
		if s.Active {
			n++
		}
	}
	metrics.WebhookSinksActive.Set(float64(n))
}

func subscribed(evts []string, want string) bool {
	for _, e := range evts {
		if e == want {
			return true
		}
	}
	return false
}

// normalizeEvents validates and defaults the subscription list.
func normalizeEvents(in []string) ([]string, error) {
	if len(in) == 0 {
		return []string{SubMessage, SubStatus}, nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		switch e {
		case SubMessage, SubStatus:
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvents, e)
		}
	}
	return out, nil
}
