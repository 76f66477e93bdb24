package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server provides the HTTP API for the pipeline.
type Server struct {
	service *Service
	addr    string
	engine  *gin.Engine
	server  *http.Server
	log     *slog.Logger
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		log:     logger.With("component", "api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog)

	engine.GET("/health", s.handleHealth)
	engine.GET("/stats", s.handleStats)
	engine.GET("/progress", s.handleProgress)
	engine.GET("/workers", s.handleWorkers)

	items := engine.Group("/items")
	items.GET("", s.handleItems)
	items.GET("/:id", s.handleItem)
	items.POST("/:id/reseed", s.handleReseed)
	items.POST("/:id/aggregate", s.handleAggregate)

	s.engine = engine
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("api listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Serve runs the server until ctx ends, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Store   string `json:"store"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:      true,
		Store:   "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.service.Ping(c.Request.Context()); err != nil {
		resp.OK = false
		resp.Store = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats handles GET /stats
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleProgress handles GET /progress
func (s *Server) handleProgress(c *gin.Context) {
	stats, err := s.service.Progress()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleWorkers handles GET /workers
func (s *Server) handleWorkers(c *gin.Context) {
	workers, err := s.service.Workers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

// handleItems handles GET /items
func (s *Server) handleItems(c *gin.Context) {
	items, err := s.service.Items(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// handleItem handles GET /items/:id
func (s *Server) handleItem(c *gin.Context) {
	item, err := s.service.Item(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// handleReseed handles POST /items/:id/reseed. ?aggregate=true re-triggers
// aggregation instead of the missing sub-tasks.
func (s *Server) handleReseed(c *gin.Context) {
	aggregate := false
	if v := c.Query("aggregate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "aggregate must be a boolean"})
			return
		}
		aggregate = b
	}
	s.reseed(c, aggregate)
}

// handleAggregate handles POST /items/:id/aggregate
func (s *Server) handleAggregate(c *gin.Context) {
	s.reseed(c, true)
}

func (s *Server) reseed(c *gin.Context, aggregate bool) {
	resp, err := s.service.Reseed(c.Request.Context(), c.Param("id"), aggregate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoTracker), errors.Is(err, ErrNoCoordinator):
		status = http.StatusNotImplemented
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
