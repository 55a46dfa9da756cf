// Package routes assembles the HTTP API.
package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/lily/pkg/middleware"
	"github.com/Ramsey-B/lily/pkg/routes/decision"
	"github.com/Ramsey-B/lily/pkg/routes/entity"
	"github.com/Ramsey-B/lily/pkg/routes/health"
	"github.com/Ramsey-B/lily/pkg/routes/ingest"
	"github.com/Ramsey-B/lily/pkg/routes/review"
)

// Resolver is the read and review surface of the resolution engine.
type Resolver interface {
	review.Reviewer
	entity.Reader
	decision.Reader
}

type Options struct {
	ServiceName       string
	Host              string
	Port              int
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	AllowOrigins      []string
	AllowMethods      []string
}

type Server struct {
	echo   *echo.Echo
	opts   Options
	logger ectologger.Logger
}

// NewServer wires middleware and every route group onto a fresh echo instance.
func NewServer(opts Options, logger ectologger.Logger, ingester ingest.Ingester, resolver Resolver, checker *health.Checker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	if opts.ServiceName != "" {
		e.Use(otelecho.Middleware(opts.ServiceName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(opts.AllowOrigins) > 0 {
		e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: opts.AllowMethods,
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.HeaderReviewer},
		}))
	}

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	ingest.NewHandler(ingester, logger).Register(v1.Group("/ingest"))
	review.NewHandler(resolver, logger).Register(v1.Group("/review"))
	entity.NewHandler(resolver).Register(v1.Group("/entities"))
	decision.NewHandler(resolver).Register(v1.Group("/decisions"))

	return &Server{
		echo:   e,
		opts:   opts,
		logger: logger,
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:           s.echo,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		MaxHeaderBytes:    s.opts.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(map[string]any{"addr": srv.Addr}).Info("HTTP server listening")
		errCh <- s.echo.StartServer(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
