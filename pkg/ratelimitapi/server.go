// Package ratelimitapi exposes a Coordinator over HTTP, grounded on
// ollama-distributed/pkg/api/server.go's gin.Engine-plus-WSHub shape: one
// Server struct owning the router, the http.Server, and the websocket hub,
// built by NewServer and driven by Start/Shutdown.
package ratelimitapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/largetownsky/ratesched/pkg/config"
	"github.com/largetownsky/ratesched/pkg/ratelimit"
	"github.com/largetownsky/ratesched/pkg/ratelimitmetrics"
)

// Server is the HTTP admission surface over a *ratelimit.Coordinator.
type Server struct {
	coord   *ratelimit.Coordinator
	metrics *ratelimitmetrics.Registry
	logger  zerolog.Logger

	serverCfg config.ServerConfig
	authCfg   config.AuthConfig
	metricsCfg config.MetricsConfig

	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	hub      *streamHub

	webhookClient *http.Client
}

// NewServer builds a Server and registers its routes. It does not start
// listening; call Start for that.
func NewServer(coord *ratelimit.Coordinator, metrics *ratelimitmetrics.Registry, logger zerolog.Logger, serverCfg config.ServerConfig, authCfg config.AuthConfig, metricsCfg config.MetricsConfig) *Server {
	s := &Server{
		coord:      coord,
		metrics:    metrics,
		logger:     logger,
		serverCfg:  serverCfg,
		authCfg:    authCfg,
		metricsCfg: metricsCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return allowedOrigin(serverCfg.CORSOrigins, r.Header.Get("Origin"))
			},
		},
		hub: newStreamHub(),
		webhookClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLoggingMiddleware())
	s.router.Use(correlationMiddleware())
	s.router.Use(corsMiddleware(s.serverCfg))

	v1 := s.router.Group("/v1")
	if s.authCfg.Enabled {
		v1.Use(authMiddleware(s.authCfg))
	}
	{
		v1.POST("/reservations", s.handleReserve)
		v1.DELETE("/reservations/:n", s.handleCancel)
		v1.GET("/stats", s.handleStats)
		v1.GET("/stream", s.handleStream)
	}

	s.router.GET("/healthz", s.handleHealth)
	if s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.Handler()))
	}
}

// Start begins serving and starts the stream hub's broadcast loop. It
// returns immediately, without waiting for the listener to bind: binding
// and serving happen on a background goroutine, and a listen failure is
// logged rather than returned, matching Server.Start's fire-and-forget
// shape in the teacher.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.serverCfg.Host, s.serverCfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.serverCfg.ReadTimeout,
		WriteTimeout: s.serverCfg.WriteTimeout,
	}

	go s.hub.run()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ratesched API server stopped unexpectedly")
		}
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("ratesched API listening")
	return nil
}

// Shutdown gracefully stops the HTTP server and the stream hub, honoring
// ServerConfig.ShutdownGrace if ctx carries no earlier deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.server == nil {
		return nil
	}
	if s.serverCfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.serverCfg.ShutdownGrace)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

// PushStatsSnapshot sends a fresh stats snapshot to every streaming
// client. Wired as the callback for ratelimit.WithOnRetire so GET
// /v1/stream pushes on every retirement instead of polling.
func (s *Server) PushStatsSnapshot() {
	stats, err := s.coord.Stats()
	if err != nil {
		return
	}
	s.metrics.ObserveStats(len(stats.Current), stats.Current, stats.Next, stats.Past)
	s.metrics.ObserveRunnings(s.coord.Runnings(), s.coord.Waitings())
	s.hub.broadcastStats(stats)
}

func allowedOrigin(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
