package application

import (
	"log/slog"
	"sync"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/metrics"
	"github.com/shopspring/decimal"
)

// marketStats 单交易对累计统计
type marketStats struct {
	totalVolume decimal.Decimal
	tradeCount  int64
	priceSum    decimal.Decimal
	// 订单 ID → 是否活跃；重复事件按订单去重，保证活跃计数幂等
	active map[string]bool
}

func newMarketStats() *marketStats {
	return &marketStats{
		totalVolume: decimal.Zero,
		priceSum:    decimal.Zero,
		active:      make(map[string]bool),
	}
}

func (m *marketStats) activeCount() int64 {
	var n int64
	for _, alive := range m.active {
		if alive {
			n++
		}
	}
	return n
}

func (m *marketStats) snapshot(market string) *StatsSnapshot {
	avg := decimal.Zero
	if m.tradeCount > 0 {
		avg = m.priceSum.Div(decimal.NewFromInt(m.tradeCount))
	}
	return &StatsSnapshot{
		Market:       market,
		TotalVolume:  m.totalVolume,
		TradeCount:   m.tradeCount,
		ActiveOrders: m.activeCount(),
		AvgPrice:     avg,
	}
}

// StatsAggregator 增量维护交易统计
// 每个事件 O(1) 更新；成交额按 amount×price（报价资产计）累计，
// 均价为成交价的简单平均。消费与撮合流共用的同一事件流
type StatsAggregator struct {
	mu      sync.RWMutex
	markets map[string]*marketStats
	global  *marketStats
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStatsAggregator 创建统计聚合器
func NewStatsAggregator(m *metrics.Metrics, logger *slog.Logger) *StatsAggregator {
	return &StatsAggregator{
		markets: make(map[string]*marketStats),
		global:  newMarketStats(),
		metrics: m,
		logger:  logger.With("module", "stats_aggregator"),
	}
}

// 调用方须持有写锁
func (a *StatsAggregator) syncGauge() {
	if a.metrics != nil {
		a.metrics.OrdersActive.Set(float64(len(a.global.active)))
	}
}

func (a *StatsAggregator) market(market string) *marketStats {
	m, ok := a.markets[market]
	if !ok {
		m = newMarketStats()
		a.markets[market] = m
	}
	return m
}

// MarketSnapshot 某交易对统计快照
func (a *StatsAggregator) MarketSnapshot(market string) *StatsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.markets[market]
	if !ok {
		return newMarketStats().snapshot(market)
	}
	return m.snapshot(market)
}

// GlobalSnapshot 全场统计快照
func (a *StatsAggregator) GlobalSnapshot() *StatsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global.snapshot("")
}

// ----------------------------------------------------------------------------
// domain.EventPublisher 实现
// ----------------------------------------------------------------------------

// PublishOrderCreated 新订单进入活跃集合
func (a *StatsAggregator) PublishOrderCreated(event domain.OrderCreatedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.market(event.Market).active[event.OrderID] = true
	a.global.active[event.OrderID] = true
	a.syncGauge()
	return nil
}

// PublishOrderUpdated 终态订单移出活跃集合；重复事件无副作用
func (a *StatsAggregator) PublishOrderUpdated(event domain.OrderUpdatedEvent) error {
	if !event.Status.IsTerminal() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.market(event.Market).active, event.OrderID)
	delete(a.global.active, event.OrderID)
	a.syncGauge()
	return nil
}

// PublishTradeExecuted 累计成交额、笔数与价格和
func (a *StatsAggregator) PublishTradeExecuted(event domain.TradeExecutedEvent) error {
	notional := event.AmountIn.Mul(event.Price)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range []*marketStats{a.market(event.Market), a.global} {
		m.totalVolume = m.totalVolume.Add(notional)
		m.tradeCount++
		m.priceSum = m.priceSum.Add(event.Price)
	}
	return nil
}
