// Package http provides the HTTP transport layer for rasel.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /messages
//	GET    /messages/{id}
//	GET    /messages/{id}/reports
//	POST   /messages/{id}/cancel
//	GET    /customers
//	GET    /customers/{id}
//	GET    /templates
//	POST   /templates/sync
//	POST   /media
//	GET    /media/{id}
//	POST   /campaigns
//	GET    /campaigns
//	GET    /campaigns/{id}
//	POST   /campaigns/{id}/start
//	POST   /campaigns/{id}/pause
//	POST   /campaigns/{id}/resume
//	POST   /campaigns/{id}/cancel
//	GET    /campaigns/{id}/progress
//	GET    /campaigns/{id}/analytics
//	GET    /campaigns/{id}/export
//	GET    /webhook
//	POST   /webhook
//	GET    /events
//	GET    /metrics
//	GET    /api/stats
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/saharalabs/rasel/internal/campaign"
	"github.com/saharalabs/rasel/internal/config"
	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/metrics"
	"github.com/saharalabs/rasel/internal/provider"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/store"
	transportws "github.com/saharalabs/rasel/internal/transport/websocket"
	"github.com/saharalabs/rasel/internal/webhook"
	"github.com/saharalabs/rasel/internal/worker"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Config    *config.Config
	Instance  *ident.Instance
	Store     *store.Store
	Queue     *queue.Queue
	Pool      *worker.Pool
	Limiter   *ratelimit.Limiter
	Provider  *provider.Client
	Webhook   *webhook.Processor
	Campaigns *campaign.Manager
	Metrics   *metrics.Registry
	Hub       *transportws.Hub // optional, nil disables /events
}

// Server wraps the stdlib HTTP server with rasel route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from its dependencies.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(d Deps) *Server {
	h := &Handler{
		cfg:       d.Config,
		instance:  d.Instance,
		store:     d.Store,
		queue:     d.Queue,
		pool:      d.Pool,
		limiter:   d.Limiter,
		provider:  d.Provider,
		webhook:   d.Webhook,
		campaigns: d.Campaigns,
	}
	if d.Hub != nil {
		h.clients = d.Hub.ClientCount
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Messages
	mux.HandleFunc("POST /messages", h.sendMessage)
	mux.HandleFunc("GET /messages/{id}", h.getMessage)
	mux.HandleFunc("GET /messages/{id}/reports", h.getMessageReports)
	mux.HandleFunc("POST /messages/{id}/cancel", h.cancelMessage)

	// Customers
	mux.HandleFunc("GET /customers", h.listCustomers)
	mux.HandleFunc("GET /customers/{id}", h.getCustomer)

	// Templates
	mux.HandleFunc("GET /templates", h.listTemplates)
	mux.HandleFunc("POST /templates/sync", h.syncTemplates)

	// Media
	mux.HandleFunc("POST /media", h.uploadMedia)
	mux.HandleFunc("GET /media/{id}", h.downloadMedia)

	// Campaigns
	mux.HandleFunc("POST /campaigns", h.createCampaign)
	mux.HandleFunc("GET /campaigns", h.listCampaigns)
	mux.HandleFunc("GET /campaigns/{id}", h.getCampaign)
	mux.HandleFunc("POST /campaigns/{id}/start", h.startCampaign)
	mux.HandleFunc("POST /campaigns/{id}/pause", h.pauseCampaign)
	mux.HandleFunc("POST /campaigns/{id}/resume", h.resumeCampaign)
	mux.HandleFunc("POST /campaigns/{id}/cancel", h.cancelCampaign)
	mux.HandleFunc("GET /campaigns/{id}/progress", h.campaignProgress)
	mux.HandleFunc("GET /campaigns/{id}/analytics", h.campaignAnalytics)
	mux.HandleFunc("GET /campaigns/{id}/export", h.exportCampaign)

	// Provider webhook (handshake + callbacks)
	mux.HandleFunc("GET /webhook", h.verifyWebhook)
	mux.HandleFunc("POST /webhook", h.receiveWebhook)

	// Live event stream
	if d.Hub != nil {
		mux.Handle("GET /events", d.Hub)
	}

	// Metrics (Prometheus text format)
	if d.Metrics != nil && d.Config.Metrics.Enabled {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	// Stats API (used by dashboards)
	mux.HandleFunc("GET /api/stats", h.statsAPI)

	// The webhook endpoints are signed by the provider instead of carrying
	// our API key; health stays open for probes.
	exempt := map[string]bool{
		"/webhook": true,
		"/health":  true,
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(d.Metrics),
		AuthMiddleware(d.Config.Auth.APIKey, d.Config.Auth.Enabled, exempt),
		RateLimitMiddleware(100.0, 200),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
