package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/handlers"
	"github.com/nas-ai/shardvault/src/middleware"
	"github.com/nas-ai/shardvault/src/middleware/logic"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
)

// Server is the chunk file server: it stores chunks by transport id and
// never sees names, keys or mappings.
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger
	router *gin.Engine

	store   *storage.LocalStore
	tokens  *security.ChunkTokenService
	limiter *logic.RateLimiter

	chunkHandler *handlers.ChunkHandler
}

// NewServer wires the chunk server. tokens may be nil to serve without
// authentication, which is only allowed outside production.
func NewServer(cfg *config.Config, store *storage.LocalStore, tokens *security.ChunkTokenService, logger *logrus.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if tokens == nil && cfg.Environment == "production" {
		return nil, fmt.Errorf("chunk auth secret is required in production")
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  store,
		tokens: tokens,
	}

	s.store.SetMinFree(cfg.MinFreeDiskMB << 20)
	s.chunkHandler = handlers.NewChunkHandler(store, cfg.MaxChunkBytes, logger)
	s.initRouter()
	s.SetupRoutes()

	if tokens == nil {
		logger.Warn("Chunk server running without authentication")
	}
	return s, nil
}

// initRouter creates and configures the Gin router
func (s *Server) initRouter() {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// Runs after ChunkAuth on chunk routes so writers are charged by subject
	s.limiter = logic.NewRateLimiter(s.cfg.RateLimitPerMin, logic.SubjectOrIP(middleware.ChunkSubjectKey), s.logger)

	// Middleware chain, outermost first
	s.router.Use(
		middleware.PanicRecovery(s.logger),
		middleware.RequestID(),
		middleware.CORS(s.cfg.CORSOrigins, s.logger),
		middleware.RequestLogger(s.logger),
	)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", "0.0.0.0:"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       600 * time.Second,
		WriteTimeout:      600 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("Chunk server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down chunk server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Chunk server forced to shutdown")
		return err
	}

	s.logger.Info("Chunk server exited")
	return nil
}

// Close releases background resources
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
