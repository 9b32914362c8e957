// Package web serves the health and metrics endpoints.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const checkTimeout = 3 * time.Second

// HealthFunc reports whether one dependency is usable
type HealthFunc func(ctx context.Context) error

type WebServer struct {
	router *gin.Engine
	srv    *http.Server
	checks map[string]HealthFunc
	logger *zap.Logger
}

// NewWebServer registers /healthz over checks and /metrics over gatherer
func NewWebServer(checks map[string]HealthFunc, gatherer prometheus.Gatherer, logger *zap.Logger) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	ws := &WebServer{
		router: router,
		srv:    &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second},
		checks: checks,
		logger: logger.With(zap.String("component", "web")),
	}
	router.Use(gin.Recovery(), ws.requestLogger())

	router.GET("/healthz", ws.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return ws
}

// Handler exposes the router for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves on addr until Shutdown. It returns nil once shut down.
func (ws *WebServer) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ws.logger.Info("WEB: Listening", zap.String("addr", l.Addr().String()))
	if err := ws.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.srv.Shutdown(ctx)
}

func (ws *WebServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(ws.checks))
	for name := range ws.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := gin.H{}
	for _, name := range names {
		if err := ws.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": result})
}

func (ws *WebServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ws.logger.Debug("WEB: Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
