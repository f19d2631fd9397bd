package domain

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// captureSink 记录事件序列的测试事件出口
type captureSink struct {
	mu     sync.Mutex
	orders []OrderUpdatedEvent
	trades []TradeExecutedEvent
	// 非 nil 时每次投递成交事件都返回该错误
	tradeErr error
}

func (s *captureSink) PublishOrderUpdated(event OrderUpdatedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, event)
	return nil
}

func (s *captureSink) PublishTradeExecuted(event TradeExecutedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeErr != nil {
		return s.tradeErr
	}
	s.trades = append(s.trades, event)
	return nil
}

func (s *captureSink) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *captureSink) lastOrderEvent(orderID string) (OrderUpdatedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].OrderID == orderID {
			return s.orders[i], true
		}
	}
	return OrderUpdatedEvent{}, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(sink EventSink) *PairEngine {
	var seq int
	return NewPairEngine("SOL/USDC", 128, sink, func() string {
		seq++
		return fmt.Sprintf("T-%d", seq)
	}, testLogger())
}

func takerOrder(id string, side OrderSide, price, amount int64, execType ExecutionType) *Order {
	tokenIn, tokenOut := "USDC", "SOL"
	if side == OrderSideSell {
		tokenIn, tokenOut = "SOL", "USDC"
	}
	return &Order{
		OrderID:        id,
		UserID:         "user-" + id,
		Side:           side,
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		AmountIn:       decimal.NewFromInt(amount),
		Price:          decimal.NewFromInt(price),
		FilledAmount:   decimal.Zero,
		ExecutionType:  execType,
		StealthAddress: "stealth-" + id,
		Status:         OrderStatusPending,
	}
}

// flush 以同步快照作为队列屏障，确保之前的入场任务已处理完
func flush(t *testing.T, e *PairEngine) *BookSnapshot {
	t.Helper()
	snap, err := e.Snapshot(0)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snap
}

func TestMatchPartialFillAgainstRestingOrder(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	maker := takerOrder("maker", OrderSideSell, 100, 10, ExecutionTypeTWAP)
	if err := e.EnqueueAdmit(maker); err != nil {
		t.Fatalf("admit maker: %v", err)
	}
	taker := takerOrder("taker", OrderSideBuy, 105, 4, ExecutionTypeAtomic)
	if err := e.EnqueueAdmit(taker); err != nil {
		t.Fatalf("admit taker: %v", err)
	}
	snap := flush(t, e)

	if sink.tradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", sink.tradeCount())
	}
	trade := sink.trades[0]
	// 成交价恒为先到挂单的限价，而非吃单方的出价
	if !trade.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected trade at resting price 100, got %s", trade.Price)
	}
	if !trade.AmountIn.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected quantity 4, got %s", trade.AmountIn)
	}
	if trade.BuyOrderID != "taker" || trade.SellOrderID != "maker" {
		t.Errorf("unexpected trade sides: buy=%s sell=%s", trade.BuyOrderID, trade.SellOrderID)
	}
	if trade.RestingOrderID != "maker" {
		t.Errorf("expected resting side maker, got %s", trade.RestingOrderID)
	}
	if trade.BuyStealthAddress != "stealth-taker" || trade.SellStealthAddress != "stealth-maker" {
		t.Error("trade event must carry both stealth addresses for settlement")
	}

	makerEvent, ok := sink.lastOrderEvent("maker")
	if !ok || makerEvent.Status != OrderStatusPartiallyFilled {
		t.Errorf("expected maker partially_filled, got %+v", makerEvent)
	}
	takerEvent, ok := sink.lastOrderEvent("taker")
	if !ok || takerEvent.Status != OrderStatusFilled {
		t.Errorf("expected taker filled, got %+v", takerEvent)
	}

	// 挂单余量 6 仍在簿内
	if len(snap.Asks) != 1 || !snap.Asks[0].Amount.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected remaining ask amount 6, got %+v", snap.Asks)
	}
}

func TestMatchPriceTimePriority(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	// 更优价格优先；同价先到先得
	e.EnqueueAdmit(takerOrder("cheap", OrderSideSell, 99, 2, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("early", OrderSideSell, 100, 2, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("late", OrderSideSell, 100, 2, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("sweep", OrderSideBuy, 100, 5, ExecutionTypeAtomic))
	snap := flush(t, e)

	if sink.tradeCount() != 3 {
		t.Fatalf("expected 3 trades, got %d", sink.tradeCount())
	}
	wantMakers := []string{"cheap", "early", "late"}
	for i, maker := range wantMakers {
		if sink.trades[i].SellOrderID != maker {
			t.Errorf("trade %d: expected maker %s, got %s", i, maker, sink.trades[i].SellOrderID)
		}
	}
	// 最后一档只吃了 1，剩 1 在簿
	if len(snap.Asks) != 1 || !snap.Asks[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1 remaining at 100, got %+v", snap.Asks)
	}
}

func TestMatchAtomicFillOrKill(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	e.EnqueueAdmit(takerOrder("maker", OrderSideSell, 100, 5, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("fok", OrderSideBuy, 100, 8, ExecutionTypeAtomic))
	snap := flush(t, e)

	// 部分成交后余量取消，绝不挂簿
	if len(snap.Bids) != 0 {
		t.Errorf("atomic remainder must never rest, got bids %+v", snap.Bids)
	}
	event, ok := sink.lastOrderEvent("fok")
	if !ok {
		t.Fatal("expected terminal event for fok order")
	}
	if event.Status != OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", event.Status)
	}
	if !event.FilledAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected filled 5, got %s", event.FilledAmount)
	}
	if !event.UnfilledAmount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected unfilled 3, got %s", event.UnfilledAmount)
	}
	if event.Reason != "insufficient liquidity" {
		t.Errorf("unexpected reason %q", event.Reason)
	}
}

func TestMatchNoTradeOutsideLimit(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	e.EnqueueAdmit(takerOrder("maker", OrderSideSell, 110, 5, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("bidder", OrderSideBuy, 100, 5, ExecutionTypeTWAP))
	snap := flush(t, e)

	if sink.tradeCount() != 0 {
		t.Fatalf("expected no trades, got %d", sink.tradeCount())
	}
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Errorf("both orders must rest, got %d bids %d asks", len(snap.Bids), len(snap.Asks))
	}
}

func TestCancelRestingOrder(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	e.EnqueueAdmit(takerOrder("maker", OrderSideSell, 100, 5, ExecutionTypeTWAP))
	flush(t, e)

	if err := e.Cancel("maker"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	event, ok := sink.lastOrderEvent("maker")
	if !ok || event.Status != OrderStatusCancelled {
		t.Errorf("expected cancelled event, got %+v", event)
	}
	if !event.UnfilledAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected unfilled 5, got %s", event.UnfilledAmount)
	}

	if err := e.Cancel("maker"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestEngineHaltsOnSinkFailure(t *testing.T) {
	sink := &captureSink{tradeErr: errors.New("storage down")}
	e := newTestEngine(sink)
	defer e.Stop()

	e.EnqueueAdmit(takerOrder("maker", OrderSideSell, 100, 5, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("taker", OrderSideBuy, 100, 5, ExecutionTypeAtomic))

	deadline := time.Now().Add(2 * time.Second)
	for !e.Halted() {
		if time.Now().After(deadline) {
			t.Fatal("engine did not halt after sink failure")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.EnqueueAdmit(takerOrder("next", OrderSideBuy, 100, 1, ExecutionTypeAtomic)); !errors.Is(err, ErrEngineHalted) {
		t.Errorf("expected ErrEngineHalted, got %v", err)
	}
	if _, err := e.Snapshot(0); !errors.Is(err, ErrEngineHalted) {
		t.Errorf("expected ErrEngineHalted for snapshot, got %v", err)
	}
}

func TestMatchRestingBidAgainstIncomingAsk(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(sink)
	defer e.Stop()

	// 挂买 5@100，来卖 3@99 → 按挂单价 100 成交 3，买单余 2 继续挂簿
	e.EnqueueAdmit(takerOrder("bidder", OrderSideBuy, 100, 5, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("asker", OrderSideSell, 99, 3, ExecutionTypeAtomic))
	snap := flush(t, e)

	if sink.tradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", sink.tradeCount())
	}
	trade := sink.trades[0]
	if !trade.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected trade at resting bid price 100, got %s", trade.Price)
	}
	if !trade.AmountIn.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected quantity 3, got %s", trade.AmountIn)
	}
	if trade.BuyOrderID != "bidder" || trade.SellOrderID != "asker" {
		t.Errorf("unexpected trade sides: buy=%s sell=%s", trade.BuyOrderID, trade.SellOrderID)
	}
	if trade.RestingOrderID != "bidder" {
		t.Errorf("expected resting side bidder, got %s", trade.RestingOrderID)
	}

	askerEvent, ok := sink.lastOrderEvent("asker")
	if !ok || askerEvent.Status != OrderStatusFilled {
		t.Errorf("expected asker filled, got %+v", askerEvent)
	}
	bidderEvent, ok := sink.lastOrderEvent("bidder")
	if !ok || bidderEvent.Status != OrderStatusPartiallyFilled {
		t.Errorf("expected bidder partially_filled, got %+v", bidderEvent)
	}

	if len(snap.Bids) != 1 || !snap.Bids[0].Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected bid remainder 2 resting, got %+v", snap.Bids)
	}
	if len(snap.Asks) != 0 {
		t.Errorf("ask side must be empty, got %+v", snap.Asks)
	}
}

func TestHaltReleasesQueuedWaiters(t *testing.T) {
	sink := &captureSink{tradeErr: errors.New("storage down")}
	e := &PairEngine{
		market:     "SOL/USDC",
		book:       NewOrderBook("SOL/USDC"),
		tasks:      make(chan *matchTask, 8),
		stopCh:     make(chan struct{}),
		sink:       sink,
		logger:     testLogger(),
		now:        time.Now,
		newTradeID: func() string { return "T-1" },
	}

	// Worker 启动前排队：两笔入场将触发熔断，撤单排在其后
	e.EnqueueAdmit(takerOrder("maker", OrderSideSell, 100, 5, ExecutionTypeTWAP))
	e.EnqueueAdmit(takerOrder("taker", OrderSideBuy, 100, 5, ExecutionTypeAtomic))
	queued := &matchTask{kind: taskCancel, orderID: "maker", resultChan: make(chan error, 1)}
	e.tasks <- queued

	go e.run()

	// 熔断必须唤醒仍在等待结果的调用方，不得永久阻塞
	select {
	case <-e.stopCh:
	case <-time.After(2 * time.Second):
		t.Fatal("halt must close stopCh to release queued waiters")
	}
	if !e.Halted() {
		t.Error("engine must report halted")
	}
	if err := e.Cancel("maker"); !errors.Is(err, ErrEngineHalted) {
		t.Errorf("expected ErrEngineHalted, got %v", err)
	}
}

func TestEngineQueueFull(t *testing.T) {
	sink := &captureSink{}
	// 队列深度 1，Worker 故意没有机会消费之前连续塞两单
	e := &PairEngine{
		market:     "SOL/USDC",
		book:       NewOrderBook("SOL/USDC"),
		tasks:      make(chan *matchTask, 1),
		stopCh:     make(chan struct{}),
		sink:       sink,
		logger:     testLogger(),
		now:        time.Now,
		newTradeID: func() string { return "T-1" },
	}
	if err := e.EnqueueAdmit(takerOrder("a", OrderSideBuy, 100, 1, ExecutionTypeAtomic)); err != nil {
		t.Fatalf("first enqueue must succeed: %v", err)
	}
	if err := e.EnqueueAdmit(takerOrder("b", OrderSideBuy, 100, 1, ExecutionTypeAtomic)); !errors.Is(err, ErrEngineBusy) {
		t.Errorf("expected ErrEngineBusy, got %v", err)
	}
}
