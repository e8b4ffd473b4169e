package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wagateway_sessions_active",
		Help: "Number of sessions currently held in the registry.",
	})
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wagateway_sessions_connected",
		Help: "Number of sessions in the connected state.",
	})
	SessionStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_session_starts_total",
		Help: "Total number of session start operations.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_reconnects_total",
		Help: "Total number of reconnect attempts scheduled.",
	})
	PairingArtifacts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_pairing_artifacts_total",
		Help: "Total number of pairing artifacts received from upstream.",
	})
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wagateway_messages_sent_total",
		Help: "Total number of outbound messages by status.",
	}, []string{"status"})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_messages_received_total",
		Help: "Total number of inbound messages retained after filtering.",
	})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wagateway_webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	WebhookDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wagateway_webhook_delivery_duration_seconds",
		Help:    "Duration of successful webhook deliveries.",
		Buckets: prometheus.DefBuckets,
	})
	WebhookDedupDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_webhook_dedup_drops_total",
		Help: "Total number of inbound messages dropped as duplicates.",
	})
	WebhookSinksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wagateway_webhook_sinks_active",
		Help: "Number of active webhook sinks.",
	})
	WebhookSinksDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wagateway_webhook_sinks_deactivated_total",
		Help: "Total number of sinks deactivated for exceeding the error budget.",
	})
)
