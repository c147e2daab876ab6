// Package gateway is the HTTP/WebSocket front door: REST handlers for
// clients (auth, device enrollment, task submission, approvals) and the
// agent WebSocket channel, wrapped with the auth/CORS/rate-limit
// middleware stack.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctlplane/internal/approval"
	"github.com/basket/ctlplane/internal/assigner"
	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/policy"
	"github.com/basket/ctlplane/internal/presence"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/webhook"
)

// Server wires every control-plane component into an http.Handler.
type Server struct {
	cfg       config.Config
	store     *store.Store
	registry  *registry.Registry
	presence  *presence.Store
	signer    *envelope.Signer
	bus       *notify.Bus
	subs      *notify.Subscribers
	gate      *approval.Gate
	assigner  *assigner.Assigner
	webhooks  *webhook.Dispatcher
	policy    policy.Checker
	logger    *slog.Logger
	tracer    trace.Tracer

	auth      *AuthMiddleware
	rateLimit *RateLimitMiddleware
	cors      func(http.Handler) http.Handler
}

// Deps bundles the already-constructed components a Server wires
// together; each is owned and started by the caller (cmd/cpd).
type Deps struct {
	Store     *store.Store
	Registry  *registry.Registry
	Presence  *presence.Store
	Signer    *envelope.Signer
	Bus       *notify.Bus
	Subs      *notify.Subscribers
	Gate      *approval.Gate
	Assigner  *assigner.Assigner
	Webhooks  *webhook.Dispatcher
	Policy    policy.Checker
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

func NewServer(cfg config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    d.Store,
		registry: d.Registry,
		presence: d.Presence,
		signer:   d.Signer,
		bus:      d.Bus,
		subs:     d.Subs,
		gate:     d.Gate,
		assigner: d.Assigner,
		webhooks: d.Webhooks,
		policy:   d.Policy,
		logger:   logger,
		tracer:   d.Tracer,

		auth:      NewAuthMiddleware(cfg.Auth, d.Store),
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit),
		cors:      NewCORSMiddleware(cfg.CORS),
	}
}

// Routes builds the full handler: method-gated REST routes, the agent
// WebSocket upgrade endpoint, and the middleware stack wrapped around
// them in the teacher's order (CORS outermost, then rate limit, then
// auth, then the route mux).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /devices/enroll", s.handleEnrollDevice)
	mux.HandleFunc("POST /devices/{id}/revoke", s.handleRevokeDevice)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /approvals/{task_id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{task_id}/reject", s.handleReject)
	mux.HandleFunc("POST /artifacts/presign", s.handlePresign)
	mux.HandleFunc("GET /ws/agent", s.handleAgentWS)

	var handler http.Handler = mux
	handler = RequestSizeLimitMiddleware(1 << 20)(handler)
	handler = s.auth.Wrap(handler)
	handler = s.rateLimit.Wrap(handler)
	handler = s.cors(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"online":    s.presence.OnlineCount(),
		"connected": s.registry.Count(),
		"time":      time.Now().UTC(),
	})
}
