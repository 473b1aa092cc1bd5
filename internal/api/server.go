package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sagecoffee/internal/configflow"
	"sagecoffee/internal/entry"
	"sagecoffee/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dependencies are the components the API exposes. Metrics is optional.
type Dependencies struct {
	Manager  *entry.Manager
	Store    entry.Store
	Flow     *configflow.Flow
	Services *services.WakeSchedule
	Metrics  http.Handler
}

// Server provides the HTTP API of the bridge
type Server struct {
	deps     Dependencies
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(deps Dependencies, logger *zap.Logger, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/api/entries", Method: "GET", Description: "Config entries and their state"},
	{Path: "/api/entries/:id", Method: "DELETE", Description: "Remove a config entry and its entities"},
	{Path: "/api/entries/:id/reload", Method: "POST", Description: "Unload and set up an entry again"},
	{Path: "/api/entries/:id/reauth", Method: "POST", Description: "Replace the credentials of an entry"},
	{Path: "/api/appliances", Method: "GET", Description: "Appliances of all loaded entries"},
	{Path: "/api/appliances/:serial/state", Method: "GET", Description: "Cached state of one appliance"},
	{Path: "/api/services/set_wake_schedule", Method: "POST", Description: "Program the wake schedule"},
	{Path: "/api/services/disable_wake_schedule", Method: "POST", Description: "Disable the wake schedule"},
	{Path: "/api/flow", Method: "GET", Description: "Config flow steps and brands"},
	{Path: "/api/flow/password", Method: "POST", Description: "Add an account with username and password"},
	{Path: "/api/flow/token", Method: "POST", Description: "Add an account with a refresh token"},
	{Path: "/ws", Method: "GET", Description: "WebSocket stream of cached states"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/", s.handleSitemap)
	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := router.Group("/api")
	{
		entries := api.Group("/entries")
		entries.GET("", s.listEntries)
		entries.DELETE("/:id", s.deleteEntry)
		entries.POST("/:id/reload", s.reloadEntry)
		entries.POST("/:id/"+configflow.StepReauth, s.reauthEntry)

		appliances := api.Group("/appliances")
		appliances.GET("", s.listAppliances)
		appliances.GET("/:serial/state", s.getApplianceState)

		svc := api.Group("/services")
		svc.POST("/"+services.SetWakeSchedule, s.setWakeSchedule)
		svc.POST("/"+services.DisableWakeSchedule, s.disableWakeSchedule)

		flow := api.Group("/flow")
		flow.GET("", s.flowMenu)
		flow.POST("/"+configflow.StepPassword, s.flowPassword)
		flow.POST("/"+configflow.StepToken, s.flowToken)
	}

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports the loaded entries and how many of them still
// receive live updates
func (s *Server) handleHealth(c *gin.Context) {
	loaded := s.deps.Manager.LoadedEntries()
	live := 0
	for _, rt := range loaded {
		if rt.Coordinator.Running() {
			live++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"entries": len(loaded),
		"live":    live,
	})
}

// handleSitemap lists the endpoints as HTML for browsers and as text otherwise
func (s *Server) handleSitemap(c *gin.Context) {
	var b strings.Builder

	if strings.Contains(c.GetHeader("Accept"), "text/html") {
		b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Sage Coffee Bridge</title></head>\n<body>\n")
		b.WriteString("<h1>Sage Coffee Bridge</h1>\n<h2>Available Endpoints</h2>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(&b, "  <li><b>%s</b> <code>%s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		b.WriteString("</ul>\n</body>\n</html>\n")
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
		return
	}

	b.WriteString("Sage Coffee Bridge\n")
	b.WriteString("==================\n\n")
	b.WriteString("Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "  %-7s %-36s %s\n", ep.Method, ep.Path, ep.Description)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
