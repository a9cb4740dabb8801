package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/httpmw"
	"github.com/agor/agor/internal/common/logger"
	gateway "github.com/agor/agor/internal/gateway/websocket"
	"github.com/agor/agor/internal/session/service"
)

// Server is the daemon's HTTP front: the websocket gateway plus REST
// mirrors of the RPC surface for curl, scripts, and health probes.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer assembles the gin engine with the gateway and REST routes
// mounted. Additional routes can be added via Router() before Start.
func NewServer(cfg config.ServerConfig, sessions *service.Service, prompts *PromptService, gw *gateway.Gateway, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(httpmw.RequestLogger(log, "agord"))
	router.Use(httpmw.OtelTracing("agord"))

	gw.SetupRoutes(router)

	api := &restAPI{sessions: sessions, prompts: prompts, logger: log}
	api.register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agor"})
	})

	return &Server{
		cfg:    cfg,
		router: router,
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Router exposes the engine so callers can mount extra routes (secrets,
// debug) before Start.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving in the background. Serve errors other than a clean
// shutdown are fatal: the daemon is useless without its listener.
func (s *Server) Start() {
	port := s.cfg.Port
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := "*"
	if len(origins) == 1 {
		allowed = origins[0]
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowed)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
