package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/dotpersona/pkg/engine"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

const (
	maxMessageSize  = 16 << 10
	defaultDriftCap = 20
	shutdownTimeout = 5 * time.Second
)

// Records is the read side of the store exposed over HTTP. It is optional.
type Records interface {
	LatestBlueprint(ctx context.Context, constructID, callsign string) (*persona.Blueprint, error)
	ListDrift(ctx context.Context, constructKey string, limit int) ([]store.DriftRecord, error)
}

type Server struct {
	engine  Turner
	records Records
	router  *gin.Engine
}

func NewServer(e Turner, records Records) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{engine: e, records: records, router: router}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/v1")
	{
		api.POST("/turns", s.handleTurn)
		api.POST("/sessions/:session/release", s.handleRelease)
		api.POST("/sessions/:session/commands", s.handleCommand)
		api.GET("/constructs/:construct/blueprint", s.handleBlueprint)
		api.GET("/drift", s.handleDrift)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.InfoCF("gateway", "HTTP server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.InfoC("gateway", "HTTP server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugCF("gateway", "HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "ok",
	})
}

func (s *Server) handleTurn(c *gin.Context) {
	var req engine.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if len(req.UserMessage) > maxMessageSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "message exceeds maximum size of 16KB",
		})
		return
	}

	res, err := s.engine.ProcessTurn(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    res,
	})
}

func (s *Server) handleRelease(c *gin.Context) {
	if err := s.engine.ReleaseSession(c.Request.Context(), c.Param("session")); err != nil {
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": c.Param("session"),
	})
}

type commandRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	resp, handled := s.engine.HandleCommand(c.Request.Context(), c.Param("session"), req.Content)
	if !handled {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "unknown command",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"response": resp,
	})
}

func (s *Server) handleBlueprint(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"success": false,
			"error":   "no persistent store configured",
		})
		return
	}
	bp, err := s.records.LatestBlueprint(c.Request.Context(), c.Param("construct"), c.Query("callsign"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    bp,
	})
}

func (s *Server) handleDrift(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"success": false,
			"error":   "no persistent store configured",
		})
		return
	}
	limit := defaultDriftCap
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "limit must be a positive integer",
			})
			return
		}
		limit = n
	}
	records, err := s.records.ListDrift(c.Request.Context(), c.Query("construct"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    records,
		"count":   len(records),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrEmptySession), errors.Is(err, engine.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, persona.ErrUnknownConstruct),
		errors.Is(err, persona.ErrBlueprintNotFound),
		errors.Is(err, persona.ErrLockNotHeld):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
