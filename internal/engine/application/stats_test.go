package application

import (
	"testing"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/shopspring/decimal"
)

func created(orderID, market string) domain.OrderCreatedEvent {
	return domain.OrderCreatedEvent{
		OrderID:    orderID,
		Market:     market,
		OccurredOn: time.Now(),
	}
}

func executed(market string, amount, price int64) domain.TradeExecutedEvent {
	return domain.TradeExecutedEvent{
		Market:     market,
		AmountIn:   decimal.NewFromInt(amount),
		Price:      decimal.NewFromInt(price),
		OccurredOn: time.Now(),
	}
}

func TestStatsAccumulation(t *testing.T) {
	stats := NewStatsAggregator(nil, testLogger())

	stats.PublishTradeExecuted(executed("SOL/USDC", 2, 100))
	stats.PublishTradeExecuted(executed("SOL/USDC", 1, 110))
	stats.PublishTradeExecuted(executed("BONK/USDC", 1000, 1))

	snap := stats.MarketSnapshot("SOL/USDC")
	if !snap.TotalVolume.Equal(decimal.NewFromInt(310)) {
		t.Errorf("expected volume 310, got %s", snap.TotalVolume)
	}
	if snap.TradeCount != 2 {
		t.Errorf("expected 2 trades, got %d", snap.TradeCount)
	}
	// 简单平均成交价 (100+110)/2
	if !snap.AvgPrice.Equal(decimal.NewFromInt(105)) {
		t.Errorf("expected avg price 105, got %s", snap.AvgPrice)
	}

	global := stats.GlobalSnapshot()
	if !global.TotalVolume.Equal(decimal.NewFromInt(1310)) {
		t.Errorf("expected global volume 1310, got %s", global.TotalVolume)
	}
	if global.TradeCount != 3 {
		t.Errorf("expected 3 global trades, got %d", global.TradeCount)
	}
}

func TestStatsActiveOrderTracking(t *testing.T) {
	stats := NewStatsAggregator(nil, testLogger())

	stats.PublishOrderCreated(created("O-1", "SOL/USDC"))
	stats.PublishOrderCreated(created("O-2", "SOL/USDC"))
	stats.PublishOrderCreated(created("O-3", "BONK/USDC"))

	if got := stats.MarketSnapshot("SOL/USDC").ActiveOrders; got != 2 {
		t.Errorf("expected 2 active, got %d", got)
	}
	if got := stats.GlobalSnapshot().ActiveOrders; got != 3 {
		t.Errorf("expected 3 active globally, got %d", got)
	}

	// 非终态事件不影响计数
	stats.PublishOrderUpdated(domain.OrderUpdatedEvent{
		OrderID: "O-1", Market: "SOL/USDC", Status: domain.OrderStatusPartiallyFilled,
	})
	if got := stats.MarketSnapshot("SOL/USDC").ActiveOrders; got != 2 {
		t.Errorf("expected 2 active after partial fill, got %d", got)
	}

	terminal := domain.OrderUpdatedEvent{
		OrderID: "O-1", Market: "SOL/USDC", Status: domain.OrderStatusFilled,
	}
	stats.PublishOrderUpdated(terminal)
	if got := stats.MarketSnapshot("SOL/USDC").ActiveOrders; got != 1 {
		t.Errorf("expected 1 active after fill, got %d", got)
	}

	// 重复投递的终态事件幂等
	stats.PublishOrderUpdated(terminal)
	if got := stats.MarketSnapshot("SOL/USDC").ActiveOrders; got != 1 {
		t.Errorf("duplicate terminal event must not change count, got %d", got)
	}
	if got := stats.GlobalSnapshot().ActiveOrders; got != 2 {
		t.Errorf("expected 2 active globally, got %d", got)
	}
}

func TestStatsEmptyMarket(t *testing.T) {
	stats := NewStatsAggregator(nil, testLogger())
	snap := stats.MarketSnapshot("SOL/USDC")
	if !snap.TotalVolume.IsZero() || snap.TradeCount != 0 || snap.ActiveOrders != 0 || !snap.AvgPrice.IsZero() {
		t.Errorf("empty market must report zeros, got %+v", snap)
	}
}
