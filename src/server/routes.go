package server

import (
	"github.com/nas-ai/shardvault/src/handlers"
	"github.com/nas-ai/shardvault/src/middleware"
)

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() {
	// Public
	s.router.GET("/health", s.limiter.Middleware(), handlers.Health(map[string]handlers.HealthChecker{
		"chunk_store": s.store,
	}, s.store.BasePath(), s.logger))

	chunks := s.router.Group("/chunks")
	if s.tokens != nil {
		chunks.Use(middleware.ChunkAuth(s.tokens, s.logger))
	}
	chunks.Use(s.limiter.Middleware())

	guard := middleware.CapacityGuard(s.store, s.logger)
	{
		chunks.POST("", guard, s.chunkHandler.Upload)
		chunks.PUT("/:id", guard, s.chunkHandler.Put)
		chunks.GET("/:id", s.chunkHandler.Get)
		chunks.HEAD("/:id", s.chunkHandler.Head)
		chunks.DELETE("/:id", s.chunkHandler.Delete)
	}
}
