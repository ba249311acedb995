package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Prometheus 指标
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_orchestrator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quote_orchestrator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	// 注册 Prometheus 指标
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// HTTPServer HTTP服务器
type HTTPServer struct {
	router  *gin.Engine
	service *service.OrchestratorService
	server  *http.Server
	logger  log.Logger
}

// NewHTTPServer 创建HTTP服务器
func NewHTTPServer(svc *service.OrchestratorService, logger log.Logger, addr string) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware())

	server := &HTTPServer{
		router:  router,
		service: svc,
		logger:  logger,
	}

	server.registerRoutes()

	server.server = &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   90 * time.Second, // 生成链路可能跨多个提供商尝试
		MaxHeaderBytes: 1 << 20,          // 1MB
	}

	return server
}

// registerRoutes 注册路由
func (s *HTTPServer) registerRoutes() {
	// Prometheus metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.readinessCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// 生成
		v1.POST("/quotes/generate", s.generateQuote)

		// 提供商健康与熔断状态
		v1.GET("/providers/health", s.providersHealth)

		// 落地存储中的提供商日统计
		v1.GET("/providers/stats", s.providerStats)

		// 用户配额
		v1.GET("/quota/:user_id", s.quotaUsage)
	}
}

// healthCheck 健康检查
func (s *HTTPServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "quote-orchestrator",
		"time":    time.Now().Format(time.RFC3339),
	})
}

// readinessCheck 就绪检查：逐一执行已注册的依赖探针
func (s *HTTPServer) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if failures := s.service.Readiness(ctx); len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":    false,
			"failures": failures,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready": true,
	})
}

// generateQuote 执行一次生成
func (s *HTTPServer) generateQuote(c *gin.Context) {
	var req service.GenerateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": err.Error(),
		})
		return
	}

	result, err := s.service.GenerateQuote(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// providersHealth 提供商健康视图。live=true时附带实时探活结果
func (s *HTTPServer) providersHealth(c *gin.Context) {
	live := c.Query("live") == "true"
	providers := s.service.ProvidersHealth(c.Request.Context(), live)
	c.JSON(http.StatusOK, gin.H{
		"providers": providers,
		"count":     len(providers),
	})
}

// providerStats 提供商日统计视图
func (s *HTTPServer) providerStats(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n
		}
	}

	stats, err := s.service.ProviderStats(c.Request.Context(), c.Query("provider"), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
		"count": len(stats),
	})
}

// quotaUsage 用户配额视图
func (s *HTTPServer) quotaUsage(c *gin.Context) {
	usage, err := s.service.QuotaUsage(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// writeError 业务错误到HTTP响应的统一转换。
// 错误码/原因/元数据由 pkg/errors 的构造函数定义。
func (s *HTTPServer) writeError(c *gin.Context, err error) {
	se := kratoserrors.FromError(err)

	body := gin.H{
		"error":   se.Reason,
		"message": se.Message,
	}
	if len(se.Metadata) > 0 {
		body["details"] = se.Metadata
	}

	status := int(se.Code)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, body)
}

// Start 启动服务器
func (s *HTTPServer) Start() error {
	helper := log.NewHelper(s.logger)
	helper.Infof("HTTP server listening on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭服务器
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	helper := log.NewHelper(s.logger)
	helper.Info("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	helper.Info("HTTP server stopped")
	return nil
}

// loggingMiddleware 日志中间件
func loggingMiddleware(logger log.Logger) gin.HandlerFunc {
	helper := log.NewHelper(logger)

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		helper.Infow(
			"method", method,
			"path", path,
			"status", statusCode,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// metricsMiddleware Prometheus 指标中间件
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath() // 使用路由模板而不是实际路径
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", c.Writer.Status())

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
