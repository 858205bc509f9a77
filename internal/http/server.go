// Package http serves the stream endpoints and the admin API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/jmylchreest/streammux/internal/http/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
	// ReadTimeout bounds reading a request, headers included.
	ReadTimeout time.Duration
	// WriteTimeout bounds a whole response. Keep it zero unless every
	// client is known to disconnect; a stream response lasts as long as the
	// client watches.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ShutdownTimeout is how long shutdown waits for responses to finish.
	ShutdownTimeout time.Duration
	// CORSOrigins lists allowed origins. Empty allows any.
	CORSOrigins []string
	// MaxConnections caps concurrently accepted connections. Zero is unlimited.
	MaxConnections int
}

// DefaultServerConfig listens on all interfaces at 8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server couples a chi router, with the huma API mounted on it, to an
// http.Server. Stream routes are plain chi handlers; everything under
// /api is registered through huma.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	router *chi.Mux
	api    huma.API
	srv    *http.Server
}

// NewServer builds the router and middleware stack. version is shown in
// the OpenAPI document.
func NewServer(cfg ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RealIP,
		middleware.RequestID,
		middleware.NewLoggingMiddleware(logger),
		middleware.Recovery(logger),
		middleware.CORS(cfg.CORSOrigins...),
	)

	apiCfg := huma.DefaultConfig("streammux API", version)
	apiCfg.Info.Description = "Live MPEG-TS stream multiplexer"

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		api:    humachi.New(r, apiCfg),
	}
	s.srv = &http.Server{
		Addr:              s.Address(),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s
}

// API is where huma operations are registered.
func (s *Server) API() huma.API { return s.api }

// Router is where raw chi routes are registered.
func (s *Server) Router() *chi.Mux { return s.router }

// Address is the configured host:port.
func (s *Server) Address() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// OnShutdown registers fn to run when shutdown begins. Stream responses
// only return once their streams stop, so the stream manager is closed
// from here.
func (s *Server) OnShutdown(fn func()) {
	s.srv.RegisterOnShutdown(fn)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	return s.serveUntil(ctx, ln)
}

func (s *Server) serveUntil(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_connections", s.cfg.MaxConnections),
	)
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	served := make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.srv.Shutdown(sctx)
	if err != nil {
		_ = s.srv.Close()
		err = fmt.Errorf("shutting down server: %w", err)
	}
	<-served
	s.logger.Info("HTTP server stopped")
	return err
}
