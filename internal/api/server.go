// Package api exposes the operational HTTP surface: liveness and a status
// endpoint aggregating component counters.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ocbot/config"
)

// StatsFunc reports one component's counters.
type StatsFunc func() map[string]interface{}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Server is the status HTTP server.
type Server struct {
	cfg    config.ServerConfig
	log    zerolog.Logger
	stats  map[string]StatsFunc
	health map[string]HealthFunc
	srv    *http.Server

	startedAt time.Time
}

// NewServer creates the status server. Components register before Start.
func NewServer(cfg config.ServerConfig, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		stats:     make(map[string]StatsFunc),
		health:    make(map[string]HealthFunc),
		startedAt: time.Now(),
	}
}

// RegisterStats adds a component stats source.
func (s *Server) RegisterStats(name string, fn StatsFunc) {
	s.stats[name] = fn
}

// RegisterHealth adds a dependency health check.
func (s *Server) RegisterHealth(name string, fn HealthFunc) {
	s.health[name] = fn
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if s.cfg.AllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
	}
	router.Use(cors.New(corsCfg))

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("status server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, fn := range s.health {
		if err := fn(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": healthy,
		"checks":  checks,
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	components := make(map[string]interface{}, len(s.stats))
	for name, fn := range s.stats {
		components[name] = fn()
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime":     time.Since(s.startedAt).String(),
		"components": components,
	})
}
