package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// ActorHeader names the operator a request acts for. It is recorded in the
// audit trail and handed to admission policies.
const ActorHeader = "X-Pilot-Actor"

const defaultMaxBody = 1 << 20

// Options wires a Server.
type Options struct {
	Dispatcher *engine.Dispatcher
	Hosts      *engine.HostRegistry
	Store      engine.Store
	Ingestor   *engine.SampleIngestor

	// Tokens verifies collector pushes. Ingestion is disabled when nil.
	Tokens *TokenService

	Hub     *telemetry.Hub
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger

	// MaxBodyBytes caps request bodies, webhooks included.
	MaxBodyBytes int64
}

// Server is the HTTP surface of the orchestrator.
type Server struct {
	router     *mux.Router
	dispatcher *engine.Dispatcher
	hosts      *engine.HostRegistry
	store      engine.Store
	ingestor   *engine.SampleIngestor
	tokens     *TokenService
	hub        *telemetry.Hub
	metrics    *telemetry.Metrics
	validate   *validator.Validate
	maxBody    int64
	logger     zerolog.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: opts.Dispatcher,
		hosts:      opts.Hosts,
		store:      opts.Store,
		ingestor:   opts.Ingestor,
		tokens:     opts.Tokens,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		maxBody:    maxBody,
		logger:     opts.Logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(hlog.NewHandler(s.logger))
	s.router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/webhooks/sites/{site_id}", s.handleWebhook).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/hosts", s.listHosts).Methods(http.MethodGet)
	api.HandleFunc("/hosts", s.addHost).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}", s.getHost).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host_id}", s.updateHost).Methods(http.MethodPatch)
	api.HandleFunc("/hosts/{host_id}/bootstrap", s.getBootstrap).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host_id}/bootstrap", s.startBootstrap).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/token", s.issueToken).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/metrics", s.ingestMetrics).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/events", s.streamEvents).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host_id}/events/history", s.eventHistory).Methods(http.MethodGet)

	api.HandleFunc("/hosts/{host_id}/resources", s.listResources).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host_id}/resources", s.createResource).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/resources/{resource_id}", s.getResource).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host_id}/resources/{resource_id}/install", s.installResource).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/resources/{resource_id}/uninstall", s.uninstallResource).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{host_id}/resources/{resource_id}/events", s.resourceEvents).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{task_id}/run", s.runTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/pause", s.pauseTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/resume", s.resumeTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/runs", s.listTaskRuns).Methods(http.MethodGet)

	api.HandleFunc("/sites/{site_id}/deployments", s.deploySite).Methods(http.MethodPost)
	api.HandleFunc("/sites/{site_id}/deployments", s.listDeployments).Methods(http.MethodGet)
	api.HandleFunc("/deployments/{deployment_id}", s.getDeployment).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// connections for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	return nil
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return "api"
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			return requestFault(err)
		}
	}
	if err := s.validate.Struct(v); err != nil {
		return requestFault(err)
	}
	return nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return nil, engine.NewValidationFault("failed to read request body", err)
	}
	return body, nil
}

func queryLimit(r *http.Request, def int) int {
	if n := queryIntParam(r, "limit"); n > 0 {
		return n
	}
	return def
}

// queryIntParam returns a positive integer query parameter, or 0.
func queryIntParam(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
