package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_api_requests_total", Help: "Outbound API requests by the gateway client"},
		[]string{"method", "status"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_token_refresh_total", Help: "Credential refresh attempts"},
		[]string{"result"},
	)
	OAuthHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_oauth_handshakes_total", Help: "OAuth connect callback outcomes"},
		[]string{"channel", "result"},
	)
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_realtime_events_total", Help: "Realtime events received"},
		[]string{"kind"},
	)
	RealtimeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "inbox_realtime_connected", Help: "1 when the realtime subscription is up"},
	)
	InboxDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_reconcile_actions_total", Help: "Inbox reconciliation actions applied"},
		[]string{"action"},
	)
	AITriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbox_ai_trigger_total", Help: "AI reply trigger outcomes"},
		[]string{"result"},
	)
	WorkflowDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "workflow_dispatch_total", Help: "Workflow engine dispatch outcomes"},
		[]string{"result", "http_status"},
	)
	WorkflowLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "workflow_dispatch_latency_seconds", Help: "Workflow engine dispatch latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "workflow_webhook_events_total", Help: "Workflow callbacks"},
		[]string{"mode", "result"},
	)
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_requests_total", Help: "Gateway HTTP requests"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, TokenRefreshes, OAuthHandshakes, RealtimeEvents, RealtimeConnected,
		InboxDispatches, AITriggers, WorkflowDispatch, WorkflowLatency, WebhookEvents, GatewayRequests)
}
