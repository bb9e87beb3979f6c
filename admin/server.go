// Package admin serves the operational HTTP surface of ctxfed: Prometheus metrics, system
// health and inspection and bootstrapping of the registration store.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/health"
	"github.com/c360/ctxfed/metric"
	"github.com/c360/ctxfed/registry"
)

const (
	// SystemName is the component name of the aggregated health report
	SystemName = "ctxfed"

	maxRequestSize  = 1 << 20
	requestIDHeader = "X-Request-ID"
)

// Server is the admin HTTP handler set
type Server struct {
	store   registry.Store
	monitor *health.Monitor
	metrics *metric.MetricsRegistry
	logger  *slog.Logger
	router  *mux.Router
	timeout time.Duration
	conns   []connCheck
}

type connCheck struct {
	name      string
	connected func() bool
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRefreshTimeout bounds one health refresh
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithConnectionCheck reports the named dependency unhealthy on refresh while connected is false
func WithConnectionCheck(name string, connected func() bool) Option {
	return func(s *Server) { s.conns = append(s.conns, connCheck{name: name, connected: connected}) }
}

// NewServer creates the admin server. metrics may be nil, in which case /metrics is not served.
func NewServer(store registry.Store, monitor *health.Monitor, metrics *metric.MetricsRegistry, opts ...Option) *Server {
	s := &Server{
		store:   store,
		monitor: monitor,
		metrics: metrics,
		logger:  slog.Default(),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.monitor == nil {
		s.monitor = health.NewMonitor()
	}

	r := mux.NewRouter()
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/registrations", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/registrations", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/registrations/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/registrations/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.Use(s.requestID)
	s.router = r
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// RefreshHealth recomputes the store and context source health from the registry, along with
// any connection checks.
func (s *Server) RefreshHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, c := range s.conns {
		if c.connected() {
			s.monitor.Update(c.name, health.NewHealthy(c.name, "connected"))
		} else {
			s.monitor.Update(c.name, health.NewUnhealthy(c.name, "disconnected"))
		}
	}

	regs, err := s.store.List(ctx, csr.Filters{})
	if err != nil {
		s.logger.Error("Health refresh failed", "error", err)
		s.monitor.Update("store", health.NewUnhealthy("store", err.Error()))
		return
	}
	s.monitor.Update("store", health.NewHealthy("store", "registration store reachable"))
	s.monitor.Update("sources", health.Sources("sources", regs))
}

// ScheduleHealth starts a cron runner refreshing health on a cron schedule. The caller stops it.
func (s *Server) ScheduleHealth(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	if _, err := c.AddFunc(schedule, func() { s.RefreshHealth(ctx) }); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "ScheduleHealth", "parse schedule")
	}
	c.Start()
	return c, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth(SystemName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := csr.Filters{
		IDPattern: q.Get("idPattern"),
		TypeQuery: q.Get("type"),
	}
	if ids := q.Get("id"); ids != "" {
		f.IDs = strings.Split(ids, ",")
	}
	if attrs := q.Get("attrs"); attrs != "" {
		f.Attrs = strings.Split(attrs, ",")
	}

	regs, err := s.store.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if regs == nil {
		regs = []*csr.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	reg, err := csr.Parse(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.store.Create(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("Registration created", "csr_id", stored.ID, "endpoint", stored.Endpoint)
	w.Header().Set("Location", "/registrations/"+stored.ID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	reg, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Registration deleted", "csr_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// requestID propagates or assigns X-Request-ID
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusFor maps classified errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs the full error and returns a sanitized message
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("Admin request rejected", "path", r.URL.Path, "status", code, "error", err)
	}

	msg := http.StatusText(code)
	if code == http.StatusBadRequest || code == http.StatusConflict {
		msg = err.Error()
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message, "status": code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
