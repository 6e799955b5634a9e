package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/kernel"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Option configures a Server.
type Option func(*Server)

// WithTokenCodec requires a signed trust token on every /v1 request.
func WithTokenCodec(c *trust.TokenCodec) Option { return func(s *Server) { s.codec = c } }

// WithRateLimit limits requests per client address.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewIPRateLimiter(rps, burst)
		}
	}
}

// WithOperatorTrust sets the trust needed for release and requeue.
func WithOperatorTrust(l trust.Level) Option { return func(s *Server) { s.operatorTrust = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server exposes a kernel over HTTP.
type Server struct {
	k             *kernel.Kernel
	codec         *trust.TokenCodec
	limiter       *IPRateLimiter
	operatorTrust trust.Level
	logger        *slog.Logger
	router        chi.Router
}

// NewServer builds the router for k.
func NewServer(k *kernel.Kernel, opts ...Option) *Server {
	s := &Server{
		k:             k,
		operatorTrust: trust.LevelTrusted,
		logger:        slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger, s.k.Telemetry()))
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if tel := s.k.Telemetry(); tel != nil && tel.MetricsHandler() != nil {
		r.Method(http.MethodGet, "/metrics", tel.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(trustMiddleware(s.codec))
		r.Post("/operations", s.submit)
		r.Get("/overlays", s.listOverlays)
		r.Get("/deadletters", s.listDeadLetters)
		r.Get("/breakers", s.listBreakers)
		r.Get("/canaries", s.listCanaries)

		r.Group(func(r chi.Router) {
			r.Use(requireTrust(s.operatorTrust))
			r.Post("/overlays/{name}/release", s.releaseOverlay)
			r.Post("/overlays/{name}/canary", s.setCanaryPercent)
			r.Post("/deadletters/{id}/requeue", s.requeueDeadLetter)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	report := s.k.Health(r.Context())
	status := http.StatusOK
	if report.Status == kernel.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	report := s.k.Health(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// SubmitRequest is the body of POST /v1/operations.
type SubmitRequest struct {
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Operation == "" {
		WriteError(w, r, http.StatusBadRequest, "operation is required")
		return
	}
	tc, _ := TrustFrom(r.Context())

	var opts []pipeline.SubmitOption
	if req.CorrelationID != "" {
		opts = append(opts, pipeline.WithCorrelationID(req.CorrelationID))
	}
	res, err := s.k.Submit(r.Context(), req.Operation, req.Payload, tc, opts...)
	if err != nil {
		var phaseErr *pipeline.PhaseError
		if errors.As(err, &phaseErr) && res != nil {
			p := newProblem(r, http.StatusUnprocessableEntity, err.Error())
			p.Code = phaseErr.Code()
			p.Result = res
			writeProblem(w, p)
			return
		}
		writeKernelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listOverlays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"overlays": s.k.Registry().List()})
}

func (s *Server) releaseOverlay(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	released, err := s.k.Runtime().Release(r.Context(), name)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	tc, _ := TrustFrom(r.Context())
	s.logger.Info("overlay released by operator", "overlay", name, "actor", tc.ActorID, "released", released)
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) listCanaries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"canaries": s.k.Runtime().Canaries().List()})
}

type CanaryPercentRequest struct {
	Percent *float64 `json:"percent"`
}

// setCanaryPercent moves a running rollout by hand. 100 promotes it.
func (s *Server) setCanaryPercent(w http.ResponseWriter, r *http.Request) {
	var req CanaryPercentRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Percent == nil {
		WriteError(w, r, http.StatusBadRequest, "percent is required")
		return
	}
	name := chi.URLParam(r, "name")
	canaries := s.k.Runtime().Canaries()
	c, ok := canaries.Get(name)
	if !ok {
		writeKernelError(w, r, fmt.Errorf("%w for %s", supervisor.ErrNoCanary, name))
		return
	}
	decision, err := canaries.SetPercent(name, *req.Percent)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	tc, _ := TrustFrom(r.Context())
	s.logger.Info("canary percent set by operator", "overlay", name, "percent", *req.Percent, "decision", decision, "actor", tc.ActorID)
	writeJSON(w, http.StatusOK, map[string]any{"decision": decision, "rollout": c.Snapshot()})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	entries, err := s.k.Bus().DeadLetters().List(r.Context(), limit)
	if err != nil {
		writeKernelError(w, r, err)
		return
	}
	if entries == nil {
		entries = []eventbus.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.k.Bus().Requeue(r.Context(), id); err != nil {
		writeKernelError(w, r, err)
		return
	}
	tc, _ := TrustFrom(r.Context())
	s.logger.Info("dead letter requeued by operator", "id", id, "actor", tc.ActorID)
	writeJSON(w, http.StatusAccepted, map[string]any{"requeued": id})
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.k.Supervisor().Breakers().Snapshots()})
}

// HTTPServer wraps the handler with the configured timeouts.
func HTTPServer(addr string, h http.Handler, read, write time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      write,
	}
}
