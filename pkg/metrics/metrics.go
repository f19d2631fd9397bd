// Package metrics 提供 Prometheus helper，包含引擎核心业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Vantalim12/pskdotfun/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 订单总数
	OrdersTotal prometheus.Counter
	// 活跃订单数
	OrdersActive prometheus.Gauge
	// 被拒绝订单数（验证/准入失败）
	OrdersRejectedTotal prometheus.Counter
	// 成交总数
	TradesTotal prometheus.Counter
	// 撮合耗时
	MatchDuration prometheus.Histogram

	// 已调度 TWAP 切片数
	SlicesScheduledTotal prometheus.Counter
	// 切片入场重试次数
	SliceRetriesTotal prometheus.Counter
	// 交易对撮合熔断次数
	EngineHaltsTotal prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		OrdersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "orders_total",
			Help:      "Total orders admitted",
		}),
		OrdersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "orders_active",
			Help:      "Number of active (pending or partially filled) orders",
		}),
		OrdersRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before admission",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total trades executed",
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "match_duration_seconds",
			Help:      "Matching step duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		SlicesScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "slices_scheduled_total",
			Help:      "TWAP slices scheduled for release",
		}),
		SliceRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "slice_retries_total",
			Help:      "TWAP slice admission retries",
		}),
		EngineHaltsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkpool",
			Subsystem: serviceName,
			Name:      "engine_halts_total",
			Help:      "Per-pair matching halts due to invariant violations",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OrdersTotal,
		m.OrdersActive,
		m.OrdersRejectedTotal,
		m.TradesTotal,
		m.MatchDuration,
		m.SlicesScheduledTotal,
		m.SliceRetriesTotal,
		m.EngineHaltsTotal,
	}

	for _, collector := range collectors {
		if err := prometheus.DefaultRegisterer.Register(collector); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}
