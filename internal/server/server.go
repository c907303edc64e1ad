// Package server exposes the admin HTTP endpoints of a long-running
// conduit process:
//   - /health/live and /health/ready probes
//   - /metrics in the Prometheus text format
//   - JSON snapshots of plugins and tools
//   - plugin start, stop and restart for `conduit plugins --server`
//
// Shutdown drains open connections before returning.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/health"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/metrics"
	"github.com/felixgeelhaar/conduit/internal/plugin"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

// PluginLister is the read side of the plugin manager.
type PluginLister interface {
	List() []plugin.Info
}

// ToolLister is the read side of the tool registry.
type ToolLister interface {
	Entries() []tools.Entry
}

// PluginController is the write side of the plugin manager.
type PluginController interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Restart(ctx context.Context, id string) error
}

// ErrorBody is the JSON body of every non-2xx control response.
type ErrorBody struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Server serves the admin endpoints.
type Server struct {
	httpServer      *http.Server
	probes          *health.ProbeManager
	log             *log.Logger
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":9464", "127.0.0.1:9464")
	Address string

	// ShutdownTimeout bounds connection draining. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Options wires the server to the rest of the process. Nil fields turn the
// matching endpoint off.
type Options struct {
	Probes  *health.ProbeManager
	Metrics *metrics.Registry
	Plugins PluginLister
	Tools   ToolLister
	// Control enables POST /plugins/{id}/{start,stop,restart}. It needs
	// Plugins to report the resulting state.
	Control PluginController
	Logger  *log.Logger
}

// NewServer creates the admin server.
func NewServer(cfg Config, opts Options) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	probes := opts.Probes
	if probes == nil {
		probes = health.NewProbeManager("")
	}
	s := &Server{
		probes:          probes,
		log:             log.OrDefault(opts.Logger).Component("server"),
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	if opts.Plugins != nil {
		mux.HandleFunc("GET /plugins", func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, opts.Plugins.List())
		})
	}
	if opts.Control != nil && opts.Plugins != nil {
		mux.HandleFunc("POST /plugins/{id}/{action}", s.handleControl(opts.Control, opts.Plugins))
	}
	if opts.Tools != nil {
		mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, opts.Tools.Entries())
		})
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      otelhttp.NewHandler(mux, "conduit.admin"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown. It
// returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.probes.MarkInitialized()
	s.log.Info("admin server listening", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown fails readiness, stops keep-alives and drains connections for
// up to the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probes.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", "error", err)
	}
}

// handleLiveness always answers 200; the body turns unresponsive during
// shutdown.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.probes.CheckLiveness(r.Context()))
}

// handleReadiness answers 503 unless every enabled plugin is healthy.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	result := s.probes.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, result)
}

// handleControl runs a lifecycle action and answers with the plugin's
// state afterwards.
func (s *Server) handleControl(ctl PluginController, plugins PluginLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		action := r.PathValue("action")

		var err error
		switch action {
		case "start":
			err = ctl.Start(r.Context(), id)
		case "stop":
			err = ctl.Stop(id)
		case "restart":
			err = ctl.Restart(r.Context(), id)
		default:
			s.writeJSON(w, http.StatusNotFound, ErrorBody{Error: fmt.Sprintf("unknown action %q", action)})
			return
		}
		if err != nil {
			s.log.Warn("plugin control failed", "plugin_id", id, "action", action, "error", err)
			s.writeError(w, err)
			return
		}

		for _, info := range plugins.List() {
			if info.ID == id {
				s.writeJSON(w, http.StatusOK, info)
				return
			}
		}
		s.writeError(w, errors.NewPluginNotFoundError(id))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: string(errors.CodeOf(err)), Error: err.Error()}
	var ce *errors.ConduitError
	if stderrors.As(err, &ce) {
		body.Error = ce.Summary()
	}

	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodePluginNotFound:
		status = http.StatusNotFound
	case errors.ErrCodePluginInvalidTransition:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, body)
}
