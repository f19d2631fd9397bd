// Package http 引擎 REST 接口
package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/application"
	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// Handler 引擎 HTTP 处理器
type Handler struct {
	manager *application.EngineManager
	stats   *application.StatsAggregator
	trades  domain.TradeRepository
	metrics *metrics.Metrics
}

// NewHandler 创建处理器
func NewHandler(manager *application.EngineManager, stats *application.StatsAggregator, trades domain.TradeRepository, m *metrics.Metrics) *Handler {
	return &Handler{manager: manager, stats: stats, trades: trades, metrics: m}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.observe)

	api := r.Group("/api/v1")
	{
		api.POST("/orders", h.SubmitOrder)
		api.GET("/orders", h.ListOrders)
		api.GET("/orders/:id", h.GetOrder)
		api.DELETE("/orders/:id", h.CancelOrder)
		api.GET("/book", h.BookDepth)
		api.GET("/trades", h.LatestTrades)
		api.GET("/stats", h.Stats)
	}
	r.GET("/health", h.Health)
}

// observe HTTP 请求指标
func (h *Handler) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	if h.metrics != nil {
		h.metrics.HTTPRequestsTotal.Inc()
		h.metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}
}

// submitOrderRequest 下单请求体
type submitOrderRequest struct {
	Side                string `json:"side" binding:"required"`
	TokenIn             string `json:"token_in" binding:"required"`
	TokenOut            string `json:"token_out" binding:"required"`
	AmountIn            string `json:"amount_in" binding:"required"`
	Price               string `json:"price" binding:"required"`
	ExecutionType       string `json:"execution_type" binding:"required"`
	TWAPDurationMinutes int    `json:"twap_duration_minutes"`
	StealthAddress      string `json:"stealth_address" binding:"required"`
}

// SubmitOrder 提交订单
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderID, err := h.manager.SubmitOrder(c.Request.Context(), bearerToken(c), &application.SubmitOrderRequest{
		Side:                req.Side,
		TokenIn:             req.TokenIn,
		TokenOut:            req.TokenOut,
		AmountIn:            req.AmountIn,
		Price:               req.Price,
		ExecutionType:       req.ExecutionType,
		TWAPDurationMinutes: req.TWAPDurationMinutes,
		StealthAddress:      req.StealthAddress,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": orderID, "status": string(domain.OrderStatusPending)})
}

// CancelOrder 取消订单
func (h *Handler) CancelOrder(c *gin.Context) {
	if err := h.manager.CancelOrder(c.Request.Context(), bearerToken(c), c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "status": string(domain.OrderStatusCancelled)})
}

// GetOrder 查询订单
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.manager.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListOrders 查询用户订单列表
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders, err := h.manager.ListOrders(c.Request.Context(), bearerToken(c), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// BookDepth 查询订单簿深度
func (h *Handler) BookDepth(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))

	snapshot, err := h.manager.BookSnapshot(market, depth)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// LatestTrades 查询交易对最近成交
func (h *Handler) LatestTrades(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	trades, err := h.trades.GetLatestTrades(c.Request.Context(), market, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// Stats 查询交易统计；不带 market 参数返回全场统计
func (h *Handler) Stats(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusOK, h.stats.GlobalSnapshot())
		return
	}
	c.JSON(http.StatusOK, h.stats.MarketSnapshot(market))
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError 错误 → HTTP 状态码映射
func (h *Handler) renderError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	var policyErr *domain.PolicyError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &policyErr):
		c.JSON(http.StatusForbidden, gin.H{"error": policyErr.Error()})
	case errors.Is(err, domain.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrOrderTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEngineBusy), errors.Is(err, domain.ErrEngineHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// bearerToken 提取 Authorization 头中的令牌
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}
