package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/pipeline"
	"github.com/ent0n29/mnemos/internal/session"
	"github.com/ent0n29/mnemos/internal/transcript"
)

// Authenticator resolves the identity behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// TurnProcessor admits inbound turns in arrival order. The returned
// admission runs the turn and reports the outcome through its emitter.
type TurnProcessor interface {
	Admit(chatID string) *pipeline.Admission
}

type Deps struct {
	Sessions    *session.Manager
	Gatekeeper  Authenticator
	Turns       TurnProcessor
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	gatekeeper  Authenticator
	turns       TurnProcessor
	transcripts transcript.Store
	metrics     *observability.Metrics
	logger      *slog.Logger
	ready       func(ctx context.Context) error
	upgrader    websocket.Upgrader

	// connCtx parents every websocket connection. Hijacked connections are not
	// closed by http.Server.Shutdown, so CloseConnections cancels it.
	connCtx    context.Context
	closeConns context.CancelFunc
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.SessionInactivityTimeout)
	}
	connCtx, closeConns := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		gatekeeper:  deps.Gatekeeper,
		turns:       deps.Turns,
		transcripts: deps.Transcripts,
		metrics:     deps.Metrics,
		logger:      logger,
		ready:       deps.Ready,
		connCtx:     connCtx,
		closeConns:  closeConns,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Get("/v1/ws", s.handleWS)
		r.Post("/v1/chats", s.handleCreateChat)
		r.Get("/v1/chats", s.handleListChats)
		r.Get("/v1/chats/{id}/messages", s.handleListMessages)
	})

	return r
}

// CloseConnections ends every open websocket connection. Turns already
// received keep running on their own context.
func (s *Server) CloseConnections() {
	s.closeConns()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			respondError(w, http.StatusServiceUnavailable, "not_ready", "backing stores unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// requireIdentity runs the gatekeeper once per request and attaches the
// identity to the request context.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.gatekeeper == nil {
			respondError(w, http.StatusServiceUnavailable, "unavailable", "authentication not configured")
			return
		}
		id, err := s.gatekeeper.Authenticate(r)
		if err != nil {
			s.respondAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		if s.metrics != nil {
			s.metrics.ConnectionEvents.WithLabelValues("rejected").Inc()
		}
		s.logger.Info("request rejected", "path", r.URL.Path, "kind", authErr.Kind)
		respondError(w, http.StatusUnauthorized, authErr.Kind.Code(), "authentication failed")
		return
	}
	s.logger.Error("authentication unavailable", "path", r.URL.Path, "err", err)
	respondError(w, http.StatusServiceUnavailable, "directory_unavailable", "identity directory unavailable")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
