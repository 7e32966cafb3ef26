package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jobdispatch/internal/config"
)

// Server serves the control API.
type Server struct {
	logger zerolog.Logger
	server *http.Server
}

// NewRouter builds the gin engine with the API routes and middleware.
func NewRouter(handler *RouteHandler, cfg config.HTTP, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(rateLimit(cfg.RateLimit, cfg.RateBurst))

	handler.Register(router)
	return router
}

func NewServer(cfg config.HTTP, handler *RouteHandler, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           NewRouter(handler, cfg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx ends, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("host_port", s.server.Addr).Msg("starting http server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http server error")
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "error while shutting down http server")
	}
	return nil
}
