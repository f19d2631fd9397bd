package domain

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------------------------------------------
// PairEngine：单交易对撮合核心（单写入 Worker）
// 同一交易对的入场/撤单/快照全部串行经过一个协程，价格时间优先与
// 非交叉盘不变量因此无需加锁即可成立；不同交易对完全并行
// ----------------------------------------------------------------------------

type taskKind int

const (
	taskAdmit taskKind = iota
	taskCancel
	taskSnapshot
)

// matchTask 定序队列中的任务单元
type matchTask struct {
	kind       taskKind
	order      *Order
	orderID    string
	depth      int
	resultChan chan error
	snapshotCh chan *BookSnapshot
}

// PairEngine 交易对撮合引擎
type PairEngine struct {
	market   string
	book     *OrderBook
	tasks    chan *matchTask
	stopCh   chan struct{}
	stopOnce sync.Once
	halted   atomic.Bool
	sink     EventSink
	logger   *slog.Logger

	// 可注入时钟与 ID 生成，便于测试
	now        func() time.Time
	newTradeID func() string
	// 撮合耗时观测回调，可为 nil
	observe func(time.Duration)
}

// NewPairEngine 创建交易对撮合引擎并启动其 Worker
func NewPairEngine(market string, queueDepth int, sink EventSink, newTradeID func() string, logger *slog.Logger) *PairEngine {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	e := &PairEngine{
		market:     market,
		book:       NewOrderBook(market),
		tasks:      make(chan *matchTask, queueDepth),
		stopCh:     make(chan struct{}),
		sink:       sink,
		logger:     logger.With("module", "pair_engine", "market", market),
		now:        time.Now,
		newTradeID: newTradeID,
	}
	go e.run()
	return e
}

// Market 交易对符号
func (e *PairEngine) Market() string {
	return e.market
}

// SetObserver 设置撮合耗时观测回调
func (e *PairEngine) SetObserver(fn func(time.Duration)) {
	e.observe = fn
}

// Halted 是否已熔断
func (e *PairEngine) Halted() bool {
	return e.halted.Load()
}

// Stop 停止 Worker；可重复调用
func (e *PairEngine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// EnqueueAdmit 将订单排入撮合队列，入队即返回；结果经事件流观察
func (e *PairEngine) EnqueueAdmit(order *Order) error {
	if e.halted.Load() {
		return ErrEngineHalted
	}
	task := &matchTask{kind: taskAdmit, order: order}
	select {
	case e.tasks <- task:
		return nil
	default:
		return ErrEngineBusy
	}
}

// Cancel 撤出簿内订单，同步等待结果
func (e *PairEngine) Cancel(orderID string) error {
	if e.halted.Load() {
		return ErrEngineHalted
	}
	task := &matchTask{kind: taskCancel, orderID: orderID, resultChan: make(chan error, 1)}
	select {
	case e.tasks <- task:
	default:
		return ErrEngineBusy
	}
	select {
	case err := <-task.resultChan:
		return err
	case <-e.stopCh:
		return ErrEngineHalted
	}
}

// Snapshot 获取一致的订单簿时点快照
func (e *PairEngine) Snapshot(depth int) (*BookSnapshot, error) {
	if e.halted.Load() {
		return nil, ErrEngineHalted
	}
	task := &matchTask{kind: taskSnapshot, depth: depth, snapshotCh: make(chan *BookSnapshot, 1)}
	select {
	case e.tasks <- task:
	default:
		return nil, ErrEngineBusy
	}
	select {
	case snap := <-task.snapshotCh:
		return snap, nil
	case <-e.stopCh:
		return nil, ErrEngineHalted
	}
}

// run 核心撮合 Worker，独占订单簿
func (e *PairEngine) run() {
	for {
		select {
		case <-e.stopCh:
			return
		case task := <-e.tasks:
			switch task.kind {
			case taskAdmit:
				start := e.now()
				err := e.applyOrder(task.order)
				if e.observe != nil {
					e.observe(e.now().Sub(start))
				}
				if err != nil {
					e.halt(err)
					return
				}
			case taskCancel:
				task.resultChan <- e.applyCancel(task.orderID)
			case taskSnapshot:
				task.snapshotCh <- e.book.Snapshot(task.depth, e.now().UnixNano())
			}
		}
	}
}

// halt 熔断本交易对的撮合；内存簿与持久层一旦分歧必须立即停止
// 关闭 stopCh 以释放仍在排队等待结果的 Cancel/Snapshot 调用方
func (e *PairEngine) halt(err error) {
	e.halted.Store(true)
	e.logger.Error("CRITICAL: halting matching for market", "error", err)
	e.Stop()
}

// applyOrder 核心撮合逻辑
// 吃穿所有价格可接受的对手档位后：atomic 余量立即取消（fill-or-kill，
// 绝不留在簿内泄露意图）；twap 切片余量作为普通限价单挂入簿内
func (e *PairEngine) applyOrder(order *Order) error {
	if err := e.matchOrder(order); err != nil {
		return err
	}

	remaining := order.RemainingAmount()
	if remaining.IsPositive() {
		switch order.ExecutionType {
		case ExecutionTypeAtomic:
			order.Status = OrderStatusCancelled
			if err := e.sink.PublishOrderUpdated(OrderUpdatedEvent{
				OrderID:        order.OrderID,
				Market:         e.market,
				Status:         OrderStatusCancelled,
				FilledAmount:   order.FilledAmount,
				UnfilledAmount: remaining,
				Reason:         "insufficient liquidity",
				OccurredOn:     e.now(),
			}); err != nil {
				return err
			}
		default:
			e.book.Admit(&RestingOrder{
				OrderID:        order.OrderID,
				UserID:         order.UserID,
				Side:           order.Side,
				Price:          order.Price,
				AmountIn:       order.AmountIn,
				Filled:         order.FilledAmount,
				StealthAddress: order.StealthAddress,
			})
			if order.Status != OrderStatusPending {
				if err := e.sink.PublishOrderUpdated(OrderUpdatedEvent{
					OrderID:      order.OrderID,
					Market:       e.market,
					Status:       order.Status,
					FilledAmount: order.FilledAmount,
					OccurredOn:   e.now(),
				}); err != nil {
					return err
				}
			}
		}
	} else {
		if err := e.sink.PublishOrderUpdated(OrderUpdatedEvent{
			OrderID:      order.OrderID,
			Market:       e.market,
			Status:       OrderStatusFilled,
			FilledAmount: order.FilledAmount,
			OccurredOn:   e.now(),
		}); err != nil {
			return err
		}
	}

	if e.book.IsCrossed() {
		return ErrBookCorrupted
	}
	return nil
}

// matchOrder 与对手方逐档撮合，成交价恒为挂单价
func (e *PairEngine) matchOrder(order *Order) error {
	for order.RemainingAmount().IsPositive() {
		levels := e.book.opposingLevels(order.Side)
		if len(levels) == 0 {
			return nil
		}
		level := levels[0]

		if order.Side == OrderSideBuy {
			if order.Price.LessThan(level.Price) {
				return nil
			}
		} else {
			if order.Price.GreaterThan(level.Price) {
				return nil
			}
		}

		var next *list.Element
		for el := level.Orders.Front(); el != nil; el = next {
			next = el.Next()
			resting := el.Value.(*RestingOrder)

			qty := decimal.Min(order.RemainingAmount(), resting.Remaining())
			if err := e.executeTrade(order, resting, qty); err != nil {
				return err
			}

			if resting.Remaining().IsZero() {
				e.book.Remove(resting.OrderID)
			}
			if order.RemainingAmount().IsZero() {
				return nil
			}
		}
	}
	return nil
}

// executeTrade 生成一笔成交并推送事件
func (e *PairEngine) executeTrade(order *Order, resting *RestingOrder, qty decimal.Decimal) error {
	now := e.now()

	trade := TradeExecutedEvent{
		TradeID:        e.newTradeID(),
		Market:         e.market,
		RestingOrderID: resting.OrderID,
		AmountIn:       qty,
		Price:          resting.Price,
		OccurredOn:     now,
	}
	if order.Side == OrderSideBuy {
		trade.BuyOrderID = order.OrderID
		trade.SellOrderID = resting.OrderID
		trade.BuyStealthAddress = order.StealthAddress
		trade.SellStealthAddress = resting.StealthAddress
	} else {
		trade.BuyOrderID = resting.OrderID
		trade.SellOrderID = order.OrderID
		trade.BuyStealthAddress = resting.StealthAddress
		trade.SellStealthAddress = order.StealthAddress
	}

	if _, err := order.ApplyFill(qty); err != nil {
		return err
	}
	resting.Filled = resting.Filled.Add(qty)
	if resting.Filled.GreaterThan(resting.AmountIn) {
		return ErrBookCorrupted
	}

	if err := e.sink.PublishTradeExecuted(trade); err != nil {
		return err
	}

	restingStatus := OrderStatusPartiallyFilled
	if resting.Remaining().IsZero() {
		restingStatus = OrderStatusFilled
	}
	return e.sink.PublishOrderUpdated(OrderUpdatedEvent{
		OrderID:      resting.OrderID,
		Market:       e.market,
		Status:       restingStatus,
		FilledAmount: resting.Filled,
		OccurredOn:   now,
	})
}

// applyCancel 撤出簿内订单并推送终态事件
func (e *PairEngine) applyCancel(orderID string) error {
	resting := e.book.Remove(orderID)
	if resting == nil {
		return ErrOrderNotFound
	}
	return e.sink.PublishOrderUpdated(OrderUpdatedEvent{
		OrderID:        orderID,
		Market:         e.market,
		Status:         OrderStatusCancelled,
		FilledAmount:   resting.Filled,
		UnfilledAmount: resting.Remaining(),
		Reason:         "cancelled",
		OccurredOn:     e.now(),
	})
}

// ----------------------------------------------------------------------------
// EngineRegistry：按交易对惰性创建撮合引擎，不同交易对互不争用
// ----------------------------------------------------------------------------

// EngineRegistry 交易对 → 撮合引擎注册表
type EngineRegistry struct {
	mu         sync.RWMutex
	engines    map[string]*PairEngine
	queueDepth int
	sink       EventSink
	newTradeID func() string
	logger     *slog.Logger
	observe    func(time.Duration)
}

// NewEngineRegistry 创建注册表
func NewEngineRegistry(queueDepth int, sink EventSink, newTradeID func() string, logger *slog.Logger) *EngineRegistry {
	return &EngineRegistry{
		engines:    make(map[string]*PairEngine),
		queueDepth: queueDepth,
		sink:       sink,
		newTradeID: newTradeID,
		logger:     logger,
	}
}

// SetObserver 为后续创建的引擎设置撮合耗时观测回调
func (r *EngineRegistry) SetObserver(fn func(time.Duration)) {
	r.observe = fn
}

// Get 获取交易对引擎，不存在时返回 nil
func (r *EngineRegistry) Get(market string) *PairEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[market]
}

// GetOrCreate 获取或创建交易对引擎
func (r *EngineRegistry) GetOrCreate(market string) *PairEngine {
	r.mu.RLock()
	e, ok := r.engines[market]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[market]; ok {
		return e
	}
	e = NewPairEngine(market, r.queueDepth, r.sink, r.newTradeID, r.logger)
	if r.observe != nil {
		e.SetObserver(r.observe)
	}
	r.engines[market] = e
	return e
}

// StopAll 停止全部引擎
func (r *EngineRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		e.Stop()
	}
}
