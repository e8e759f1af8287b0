// Package api is the HTTP surface of the platform. Three role-gated
// subrouters hang off /api/v1: supplier (create, upload, resubmit,
// respond, withdraw), carrier (review queue, approve, request changes,
// dispute, resolve, export), and admin (mapping overrides, review queue,
// analytics). Unauthenticated routes are the token endpoint, health,
// prometheus metrics, and the websocket event feed.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/auth"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/events"
	"github.com/clearbill/backend/internal/export"
	"github.com/clearbill/backend/internal/metrics"
	"github.com/clearbill/backend/internal/middleware"
	"github.com/clearbill/backend/internal/pipeline"
	"github.com/clearbill/backend/internal/queue"
	"github.com/clearbill/backend/internal/storage"
	"github.com/clearbill/backend/internal/store"
	"github.com/clearbill/backend/internal/taxonomy"
)

var logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

const apiVersion = "1.0.0"

// Deps carries everything a Server needs. Store, Issuer, Files, and
// Config are required; Pipeline defaults to a store-backed one, and
// Hub, Metrics, Queue, and RateLimit are optional. Without a Queue,
// uploads always process synchronously regardless of pipeline.async.
type Deps struct {
	Store     store.Store
	Issuer    *auth.TokenIssuer
	Files     storage.Backend
	Config    *config.Manager
	Pipeline  *pipeline.Orchestrator
	Hub       *events.Hub
	Metrics   *metrics.Metrics
	Queue     *queue.Queue
	RateLimit *middleware.RateLimiter
}

// Server holds the handler dependencies and builds the router.
type Server struct {
	store    store.Store
	issuer   *auth.TokenIssuer
	files    storage.Backend
	config   *config.Manager
	pipeline *pipeline.Orchestrator
	exporter *export.Exporter
	authsvc  *auth.Service
	audit    *audit.Recorder
	registry *taxonomy.Registry
	hub      *events.Hub
	metrics  *metrics.Metrics
	queue    *queue.Queue
	limiter  *middleware.RateLimiter
	started  time.Time
}

// NewServer wires a Server from its dependencies.
func NewServer(deps Deps) *Server {
	p := deps.Pipeline
	if p == nil {
		p = pipeline.New(deps.Store)
		p.SetMetrics(deps.Metrics)
		p.SetConfig(deps.Config)
	}
	limiter := deps.RateLimit
	if limiter == nil {
		limiter = middleware.NewRateLimiter(middleware.DefaultRateLimit())
	}
	return &Server{
		store:    deps.Store,
		issuer:   deps.Issuer,
		files:    deps.Files,
		config:   deps.Config,
		pipeline: p,
		exporter: export.New(deps.Store),
		authsvc:  auth.NewService(deps.Store, deps.Issuer),
		audit:    audit.NewRecorder(deps.Store),
		registry: taxonomy.NewRegistry(),
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		queue:    deps.Queue,
		limiter:  limiter,
		started:  time.Now().UTC(),
	}
}

// Router builds the full route table. Middleware order matters: the
// request log wraps everything, CORS answers preflights before auth,
// and the rate limiter runs after authentication so it can key on the
// user rather than the client address.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(s.config.Global().Server.CORSAllowOrigins))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.Handler)
	}
	r.Handle("/auth/token", s.limiter.Middleware(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)

	authn := middleware.Authenticate(s.issuer)

	supplier := r.PathPrefix("/api/v1/supplier").Subrouter()
	supplier.Use(authn, s.limiter.Middleware, middleware.RequireRole(billing.RoleSupplier))
	supplier.HandleFunc("/contracts", s.handleListContracts).Methods(http.MethodGet)
	supplier.HandleFunc("/invoices", s.handleCreateInvoice).Methods(http.MethodPost)
	supplier.HandleFunc("/invoices", s.handleSupplierListInvoices).Methods(http.MethodGet)
	supplier.HandleFunc("/invoices/{invoice_id}", s.handleSupplierGetInvoice).Methods(http.MethodGet)
	supplier.HandleFunc("/invoices/{invoice_id}/upload", s.handleUploadInvoice).Methods(http.MethodPost)
	supplier.HandleFunc("/invoices/{invoice_id}/resubmit", s.handleResubmitInvoice).Methods(http.MethodPost)
	supplier.HandleFunc("/invoices/{invoice_id}/lines", s.handleSupplierListLines).Methods(http.MethodGet)
	supplier.HandleFunc("/invoices/{invoice_id}/withdraw", s.handleWithdrawInvoice).Methods(http.MethodPost)
	supplier.HandleFunc("/exceptions/{exception_id}/respond", s.handleRespondToException).Methods(http.MethodPost)

	// Reviewers can read everything on the carrier surface; state
	// changes are admin-only.
	carrierWrite := middleware.RequireRole(billing.RoleCarrierAdmin)
	carrier := r.PathPrefix("/api/v1/carrier").Subrouter()
	carrier.Use(authn, s.limiter.Middleware, middleware.RequireRole(billing.RoleCarrierAdmin, billing.RoleCarrierReviewer))
	carrier.HandleFunc("/invoices", s.handleCarrierListInvoices).Methods(http.MethodGet)
	carrier.HandleFunc("/invoices/{invoice_id}", s.handleCarrierGetInvoice).Methods(http.MethodGet)
	carrier.HandleFunc("/invoices/{invoice_id}/lines", s.handleCarrierListLines).Methods(http.MethodGet)
	carrier.Handle("/invoices/{invoice_id}/approve", carrierWrite(http.HandlerFunc(s.handleApproveInvoice))).Methods(http.MethodPost)
	carrier.Handle("/invoices/{invoice_id}/request-changes", carrierWrite(http.HandlerFunc(s.handleRequestChanges))).Methods(http.MethodPost)
	carrier.Handle("/invoices/{invoice_id}/dispute", carrierWrite(http.HandlerFunc(s.handleDisputeInvoice))).Methods(http.MethodPost)
	carrier.Handle("/invoices/{invoice_id}/resume-review", carrierWrite(http.HandlerFunc(s.handleResumeReview))).Methods(http.MethodPost)
	carrier.Handle("/exceptions/{exception_id}/resolve", carrierWrite(http.HandlerFunc(s.handleResolveException))).Methods(http.MethodPost)
	carrier.Handle("/invoices/{invoice_id}/export", carrierWrite(http.HandlerFunc(s.handleExportInvoice))).Methods(http.MethodGet)

	overrideWrite := middleware.RequireRole(billing.RoleCarrierAdmin, billing.RoleSystemAdmin)
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(authn, s.limiter.Middleware, middleware.RequireRole(billing.RoleCarrierAdmin, billing.RoleCarrierReviewer, billing.RoleSystemAdmin))
	admin.Handle("/mappings/override", overrideWrite(http.HandlerFunc(s.handleMappingOverride))).Methods(http.MethodPost)
	admin.HandleFunc("/mappings/review-queue", s.handleMappingReviewQueue).Methods(http.MethodGet)
	admin.HandleFunc("/analytics/summary", s.handleAnalyticsSummary).Methods(http.MethodGet)
	admin.HandleFunc("/analytics/spend-by-domain", s.handleSpendByDomain).Methods(http.MethodGet)
	admin.HandleFunc("/analytics/spend-by-supplier", s.handleSpendBySupplier).Methods(http.MethodGet)
	admin.HandleFunc("/analytics/spend-by-taxonomy", s.handleSpendByTaxonomy).Methods(http.MethodGet)
	admin.HandleFunc("/analytics/exception-breakdown", s.handleExceptionBreakdown).Methods(http.MethodGet)

	return r
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
	Database    string `json:"database"`
	Version     string `json:"version"`
}

// handleHealth reports service and database status. It always answers
// 200; a broken database shows up as status "degraded" so the platform
// restarts the container instead of the load balancer flapping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Environment: s.config.Global().Server.Env,
		Database:    "connected",
		Version:     apiVersion,
	}
	if _, err := s.store.ListTaxonomyItems(r.Context()); err != nil {
		logger.Printf("health check: database unreachable: %v", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}
	writeJSON(w, http.StatusOK, resp)
}
