package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sealed-relay/config"
	"sealed-relay/internal/handler"
	"sealed-relay/internal/middleware"
	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"
	"sealed-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
	onShutdown []func()
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Keys          *handler.KeyHandler
	SenderKeys    *handler.SenderKeyHandler
	Conversations *handler.ConversationHandler
	Messages      *handler.MessageHandler
	Attachments   *handler.AttachmentHandler
	WebSocket     *WebSocketHandler
}

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(ctx context.Context) error

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.AppPort),
			Handler: engine,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// OnShutdown registers fn to run after the HTTP server has stopped.
func (s *Server) OnShutdown(fn func()) {
	s.onShutdown = append(s.onShutdown, fn)
}

func (s *Server) SetupRoutes(handlers *Handlers, verifier services.TokenVerifier, bundleLimiter middleware.BundleLimiter, health HealthCheck) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.CORSMiddleware(s.config.CORSOrigins))
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket route authenticates on its own so that clients can send
	// an authenticate frame after upgrade.
	s.engine.GET("/v1/ws", handlers.WebSocket.Handle)

	v1 := s.engine.Group("/v1", middleware.AuthMiddleware(verifier))

	keys := v1.Group("/keys")
	{
		keys.POST("/devices", handlers.Keys.RegisterDevice)
		keys.GET("/devices", handlers.Keys.ListDevices)
		keys.DELETE("/devices/:device_id", handlers.Keys.DeactivateDevice)
		keys.POST("/devices/:device_id/one-time-keys", handlers.Keys.UploadOneTimeKeys)
		keys.GET("/devices/:device_id/one-time-keys/count", handlers.Keys.CountOneTimeKeys)
		keys.GET("/bundles/:user_id", middleware.BundleRateLimitMiddleware(bundleLimiter), handlers.Keys.GetBundle)
	}

	channels := v1.Group("/channels/:channel_id")
	{
		channels.GET("/members", handlers.SenderKeys.Members)
		channels.POST("/sender-keys", handlers.SenderKeys.Store)
		channels.GET("/sender-keys", handlers.SenderKeys.Fetch)
		channels.GET("/messages", handlers.Messages.ChannelMessages)
	}

	conversations := v1.Group("/conversations")
	{
		conversations.POST("", handlers.Conversations.Start)
		conversations.GET("", handlers.Conversations.List)
		conversations.GET("/with/:user_id/messages", handlers.Conversations.Messages)
	}

	messages := v1.Group("/messages")
	{
		messages.GET("/:id/envelope", handlers.Messages.Envelope)
		messages.PATCH("/:id", handlers.Messages.Edit)
		messages.DELETE("/:id", handlers.Messages.Delete)
	}

	envelopes := v1.Group("/envelopes")
	{
		envelopes.GET("/pending", handlers.Messages.PendingEnvelopes)
		envelopes.POST("/:id/delivered", handlers.Messages.MarkDelivered)
	}

	attachments := v1.Group("/attachments")
	{
		attachments.POST("/uploads", handlers.Attachments.PresignUpload)
		attachments.GET("/download", handlers.Attachments.PresignDownload)
	}
}

func (s *Server) Start() error {
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	if s.logger != nil {
		s.logger.Infof("Server is running on :%s", s.config.AppPort)
	}

	<-quit

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	for _, fn := range s.onShutdown {
		fn()
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}

	return nil
}
