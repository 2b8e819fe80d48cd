// Package api serves challenges and pool status over HTTP.
package api

import (
	"context"
	"crypto/rsa"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hfi/flagpool/internal/challenge"
	"github.com/hfi/flagpool/internal/storage"
)

// Server is the challenge API server
type Server struct {
	r        *gin.Engine
	srv      *http.Server
	registry *challenge.Registry
	repo     challenge.Repository
	pool     storage.PoolStore
	pub      *rsa.PublicKey
	log      zerolog.Logger
}

// Deps are the components the API serves
type Deps struct {
	Registry *challenge.Registry
	Repo     challenge.Repository
	Pool     storage.PoolStore
	// PublicKey is served to players; nil disables the route
	PublicKey *rsa.PublicKey
	Logger    zerolog.Logger
}

// New creates an API server listening on addr
func New(addr string, deps Deps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		r:        r,
		registry: deps.Registry,
		repo:     deps.Repo,
		pool:     deps.Pool,
		pub:      deps.PublicKey,
		log:      deps.Logger,
	}
	r.Use(s.accessLog())
	s.routes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	v1 := s.r.Group("/api/v1")
	{
		v1.POST("/challenges", s.handleCreate)
		v1.GET("/challenges/:id", s.handleRead)
		v1.PATCH("/challenges/:id", s.handleUpdate)
		v1.DELETE("/challenges/:id", s.handleDelete)
		v1.POST("/challenges/:id/attempts", s.handleAttempt)

		v1.GET("/pool/stats", s.handlePoolStats)
		if s.pub != nil {
			v1.GET("/pubkey", s.handlePublicKey)
		}
	}
}

// accessLog logs one line per request
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	}
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.r
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("API listening")
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
