// Package server exposes the console core to the web client: a JSON API, a
// websocket change stream, the built bundle with SPA fallback, and a gRPC
// health service.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Addr is the HTTP listen address.
	Addr string

	// StaticDir is the built web bundle. Empty disables static serving.
	StaticDir string
}

// Server is the console HTTP surface.
type Server struct {
	echo    *echo.Echo
	handler *Handler
	addr    string
	logger  zerolog.Logger
}

// New builds the echo app for console.
func New(console Console, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := logging.Component("server")
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	if opts.StaticDir != "" {
		e.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:  opts.StaticDir,
			Index: "index.html",
			HTML5: true,
			Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Request().URL.Path, "/api/")
			},
		}))
	}

	h := NewHandler(console)
	h.RegisterRoutes(e)

	return &Server{
		echo:    e,
		handler: h,
		addr:    opts.Addr,
		logger:  logger,
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.handler.hub
}

// Run listens on the configured address until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.echo.Listener = lis
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start("")
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("http server listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.handler.hub.CloseAll()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http server did not shut down gracefully")
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
