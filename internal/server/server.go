// Package server runs a local simulator of the remote job service so the
// client can be exercised without the real backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/server/handlers"
	"github.com/3leaps/jobwatch/internal/server/middleware"
)

// APIPrefix is where the job endpoints are mounted.
const APIPrefix = "/api"

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Steps is how many status polls a simulated job takes. Default: 3
	Steps int
	// MaxJobs caps the simulator job table; 0 means no cap.
	MaxJobs int
	Version string
	Logger  *zap.Logger
}

// Server is the simulator HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	sim    *handlers.Simulator
	health *handlers.HealthManager
	logger *zap.Logger
}

// New builds a server listening on host:port once Start is called.
func New(host string, port int, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Steps <= 0 {
		opts.Steps = 3
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		host:   host,
		port:   port,
		sim:    handlers.NewSimulator(opts.Steps, logger),
		health: handlers.NewHealthManager(opts.Version),
		logger: logger,
	}
	s.sim.SetMaxJobs(opts.MaxJobs)
	s.health.RegisterChecker("simulator", s.sim)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, "NOT_FOUND", "no route for "+req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", req.Method+" not allowed on "+req.URL.Path)
	})

	r.Get("/health", s.health.HealthHandler)
	r.Route(APIPrefix, s.sim.Routes)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Health exposes the health manager for registering checkers.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Simulator exposes the job simulator.
func (s *Server) Simulator() *handlers.Simulator {
	return s.sim
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Simulator listening", zap.String("addr", ln.Addr().String()), zap.String("api", APIPrefix))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("Simulator shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
