package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"jobescrow/native/currency"
	"jobescrow/native/jobs"
	"jobescrow/native/payments"
	"jobescrow/native/roles"
	"jobescrow/native/skills"
	"jobescrow/services/escrowd/auth"
	escrowmw "jobescrow/services/escrowd/middleware"
	"jobescrow/services/escrowd/stream"
	"jobescrow/storage/sqlstore"
)

const requestTimeout = 15 * time.Second

// Authorizer answers whether caller may invoke selector on target.
type Authorizer interface {
	CanCall(caller common.Address, target, selector string) bool
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine        *jobs.Engine
	Payments      *payments.Processor
	Skills        *skills.Library
	Currencies    *currency.Registry
	Roles         *roles.Library
	Authorization Authorizer
	Auth          *auth.Authenticator
	Idempotency   *gorm.DB
	Hub           *stream.Hub
	Audit         *sqlstore.AuditLog
	RateLimit     escrowmw.RateLimit
	Logger        *slog.Logger
	// Ready reports storage health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server exposes the escrow engine over HTTP.
type Server struct {
	engine     *jobs.Engine
	payments   *payments.Processor
	skills     *skills.Library
	currencies *currency.Registry
	roles      *roles.Library
	authz      Authorizer
	auth       *auth.Authenticator
	hub        *stream.Hub
	audit      *sqlstore.AuditLog
	idem       *escrowmw.Idempotency
	limiter    *escrowmw.RateLimiter
	logger     *slog.Logger
	ready      func(ctx context.Context) error

	router http.Handler
}

// New constructs the HTTP router. Engine and Auth are required.
func New(cfg Config) *Server {
	if cfg.Engine == nil {
		panic("escrow engine required")
	}
	if cfg.Auth == nil {
		panic("authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authz := cfg.Authorization
	if authz == nil && cfg.Roles != nil {
		authz = cfg.Roles
	}
	hub := cfg.Hub
	if hub == nil {
		hub = stream.NewHub(logger)
	}
	srv := &Server{
		engine:     cfg.Engine,
		payments:   cfg.Payments,
		skills:     cfg.Skills,
		currencies: cfg.Currencies,
		roles:      cfg.Roles,
		authz:      authz,
		auth:       cfg.Auth,
		hub:        hub,
		audit:      cfg.Audit,
		idem:       escrowmw.NewIdempotency(cfg.Idempotency, logger),
		limiter:    escrowmw.NewRateLimiter(cfg.RateLimit),
		logger:     logger,
		ready:      cfg.Ready,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrowd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// PurgeIdempotency drops stored idempotent responses older than maxAge.
func (s *Server) PurgeIdempotency(maxAge time.Duration) (int64, error) {
	return s.idem.Purge(maxAge)
}

// Hub returns the event hub the server streams from.
func (s *Server) Hub() *stream.Hub { return s.hub }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(escrowmw.Metrics)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)
		api.Use(s.idem.Handler)
		api.Use(s.logRequest)

		api.Get("/events/ws", s.hub.ServeHTTP)

		api.Group(func(timed chi.Router) {
			timed.Use(chimw.Timeout(requestTimeout))

			timed.Post("/jobs", s.handlePostJob)
			timed.Get("/jobs/count", s.handleJobsCount)
			timed.Route("/jobs/{id}", func(job chi.Router) {
				job.Get("/", s.handleGetJob)
				job.Get("/state", s.handleGetJobState)
				job.Get("/offers", s.handleListOffers)
				job.Post("/offers", s.handlePostOffer)
				job.Get("/offers/{worker}", s.handleGetOffer)
				job.Post("/accept", s.handleAcceptOffer)
				job.Post("/start", s.workflow(s.engine.StartWork))
				job.Post("/confirm-start", s.workflow(s.engine.ConfirmStartWork))
				job.Post("/pause", s.workflow(s.engine.PauseWork))
				job.Post("/resume", s.workflow(s.engine.ResumeWork))
				job.Post("/time", s.handleAddMoreTime)
				job.Post("/end", s.workflow(s.engine.EndWork))
				job.Post("/confirm-end", s.workflow(s.engine.ConfirmEndWork))
				job.Post("/release", s.workflow(s.engine.ReleasePayment))
				job.Post("/cancel", s.workflow(s.engine.CancelJob))
			})

			timed.Get("/balances/{owner}", s.handleBalance)
			timed.Post("/deposits", s.handleDeposit)
			timed.Post("/withdrawals", s.handleWithdraw)
			timed.Get("/currencies", s.handleListCurrencies)
			timed.Get("/skills/{user}", s.handleGetSkills)
			timed.Get("/roles/{user}", s.handleGetRoles)
			timed.Get("/audit", s.handleAuditList)

			timed.Route("/admin", func(admin chi.Router) {
				admin.Post("/service-mode", s.handleServiceMode)
				admin.Post("/approvals/{id}", s.handleApproval(true))
				admin.Delete("/approvals/{id}", s.handleApproval(false))
				admin.Post("/currencies", s.handleAddCurrency)
				admin.Delete("/currencies/{symbol}", s.handleRemoveCurrency)
				admin.Post("/skills", s.handleSetSkills)
				admin.Delete("/skills/{user}", s.handleClearSkills)
				admin.Post("/roles/{role}/members", s.handleRoleMember(true))
				admin.Delete("/roles/{role}/members/{user}", s.handleRoleMember(false))
				admin.Post("/roles/{role}/capabilities", s.handleRoleCapability(true))
				admin.Delete("/roles/{role}/capabilities", s.handleRoleCapability(false))
				admin.Get("/audit/verify", s.handleAuditVerify)
			})
		})
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		caller, _ := auth.CallerFromContext(r.Context())
		s.logger.Debug("request served",
			slog.String("route", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("caller", caller.Hex()),
			slog.Int("status", ww.Status()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(started)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscribers": s.hub.Subscribers()})
}
