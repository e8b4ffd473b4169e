package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/config"
	"github.com/locai-labs/wagateway/internal/events"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/pairing"
	"github.com/locai-labs/wagateway/internal/session"
	"github.com/locai-labs/wagateway/internal/store"
	"github.com/locai-labs/wagateway/internal/upstream"
	"github.com/locai-labs/wagateway/internal/webhook"
)

// gatewaySink bridges session events to the rest of the gateway: webhook
// fan-out, the SSE bus, the pairing service, and the activity log. It runs on
// each session's consumer goroutine, so everything here must return quickly;
// the dispatcher already does its own network work asynchronously.
type gatewaySink struct {
	log   *logging.Logger
	clk   clock.Clock
	bus   *events.Bus
	hooks *webhook.Dispatcher
	db    *store.Store

	// Bound after construction: the pairing service needs the registry as
	// its artifact source, and the registry's sessions feed the pairing
	// service through this sink.
	pairing  *pairing.Service
	registry *session.Registry
}

// bind completes the registry/pairing cycle. Must run before the web server
// accepts its first session start.
func (g *gatewaySink) bind(reg *session.Registry, pair *pairing.Service) {
	g.registry = reg
	g.pairing = pair
}

func (g *gatewaySink) SessionStatus(tenantID string, status session.Status, phoneNumber string) {
	if status == session.StatusConnected {
		g.pairing.MarkConnected(tenantID)
	}
	g.hooks.DispatchStatus(tenantID, string(status), phoneNumber)
	g.bus.Publish(events.SSEEvent{
		Type:      events.EventSessionStatus,
		TenantID:  tenantID,
		Status:    string(status),
		Timestamp: g.clk.Now(),
	})
	g.registry.SyncGauges()

	// Only terminal transitions are worth keeping in the activity log;
	// connecting/qr churn would drown it.
	switch status {
	case session.StatusConnected, session.StatusDisconnected:
		g.appendLog("session_status", tenantID, "Session "+string(status))
	}
}

func (g *gatewaySink) PairingArtifact(tenantID string, artifact []byte) {
	g.pairing.Deliver(tenantID, artifact)
	g.bus.Publish(events.SSEEvent{
		Type:      events.EventQRGenerated,
		TenantID:  tenantID,
		Timestamp: g.clk.Now(),
	})
}

func (g *gatewaySink) MessageReceived(tenantID string, msg upstream.InboundMessage) {
	g.hooks.DispatchMessage(tenantID, webhook.Message{
		From:      msg.From,
		To:        msg.To,
		Message:   msg.Text,
		MessageID: msg.ID,
		Type:      msg.Type,
		MediaURL:  msg.MediaURL,
		Caption:   msg.Caption,
		PushName:  msg.PushName,
	})
	g.bus.Publish(events.SSEEvent{
		Type:      events.EventMessageReceived,
		TenantID:  tenantID,
		Timestamp: g.clk.Now(),
	})
}

func (g *gatewaySink) appendLog(typ, tenantID, message string) {
	err := g.db.AppendLog(store.LogEntry{
		Timestamp: g.clk.Now(),
		Type:      typ,
		TenantID:  tenantID,
		Message:   message,
	})
	if err != nil {
		g.log.Warn("append activity log", "type", typ, "error", err)
	}
}

// gatewayInstanceID returns the stable identifier for this gateway node,
// minting and persisting one on first boot. Operators use it to tell nodes
// apart in aggregated logs.
func gatewayInstanceID(log *logging.Logger, db *store.Store) string {
	id, err := db.LoadSetting("instance_id")
	if err != nil {
		log.Warn("load instance id", "error", err)
	}
	if id != "" {
		return id
	}
	id = uuid.NewString()
	if err := db.SaveSetting("instance_id", id); err != nil {
		log.Warn("persist instance id", "error", err)
	}
	return id
}

// auditDeactivations persists webhook deactivation events so operators can
// find them in the activity log after the fact. The rest of the bus traffic
// only feeds the live SSE stream.
func auditDeactivations(ctx context.Context, log *logging.Logger, db *store.Store, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case evt := <-ch:
			if evt.Type != events.EventWebhookDeactivated {
				continue
			}
			err := db.AppendLog(store.LogEntry{
				Timestamp: evt.Timestamp,
				Type:      string(evt.Type),
				TenantID:  evt.TenantID,
				Message:   "Webhook disabled after repeated delivery failures",
			})
			if err != nil {
				log.Warn("append activity log", "type", evt.Type, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// autoRegisterSink returns the hook run for every newly created session,
// attaching the platform webhook from LOCAI_WEBHOOK_URL. Returns nil when no
// platform webhook is configured; tenants that registered their own sink keep
// it untouched.
func autoRegisterSink(log *logging.Logger, hooks *webhook.Dispatcher, cfg *config.Config) func(string) {
	if cfg.LocaiWebhookURL == "" {
		return nil
	}
	return func(tenantID string) {
		if _, ok := hooks.Get(tenantID); ok {
			return
		}
		if _, err := hooks.Register(tenantID, cfg.LocaiWebhookURL, cfg.LocaiWebhookSecret, nil); err != nil {
			log.Warn("platform webhook registration failed", "tenant", tenantID, "error", err)
			return
		}
		log.Info("platform webhook attached", "tenant", tenantID, "url", cfg.LocaiWebhookURL)
	}
}
