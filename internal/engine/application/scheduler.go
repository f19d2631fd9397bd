package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/metrics"
	"github.com/Vantalim12/pskdotfun/pkg/utils"
	"github.com/shopspring/decimal"
)

// SchedulerConfig TWAP 调度参数
type SchedulerConfig struct {
	// 相邻切片最小间隔
	MinSliceInterval time.Duration
	// 单笔订单最大切片数
	MaxSliceCount int
	// 释放时间抖动占切片间隔的比例，[0,1)
	SliceJitterFraction float64
	// 切片入场失败重试次数与初始退避
	RetryAttempts int
	RetryBackoff  time.Duration
}

// errReleaseSuperseded 切片在释放前已被取消或进入终态，本次释放作废
var errReleaseSuperseded = errors.New("slice release superseded")

// sliceState 切片在调度器视角下的进度
type sliceState struct {
	orderID  string
	index    int
	released bool
	terminal bool
}

// parentRun 一笔 TWAP 父订单的执行期状态
type parentRun struct {
	parentID  string
	market    string
	cancelled bool
	slices    []*sliceState
	timers    []*time.Timer
}

func (r *parentRun) allTerminal() bool {
	for _, s := range r.slices {
		if !s.terminal {
			return false
		}
	}
	return true
}

// ExecutionScheduler TWAP 执行调度器
// 将父订单切分为等量限价切片，按抖动后的时间表释放进撮合引擎；
// 作为 EventPublisher 订阅事件流以聚合切片终态，推导父订单终态
type ExecutionScheduler struct {
	cfg       SchedulerConfig
	orderRepo domain.OrderRepository
	registry  *domain.EngineRegistry
	sink      domain.EventSink

	mu            sync.Mutex
	runs          map[string]*parentRun
	sliceToParent map[string]string

	// 可注入时钟/随机/ID 生成，便于测试
	now        func() time.Time
	randDur    func(max time.Duration) time.Duration
	newOrderID func() string

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewExecutionScheduler 创建调度器
func NewExecutionScheduler(cfg SchedulerConfig, orderRepo domain.OrderRepository, registry *domain.EngineRegistry, m *metrics.Metrics, logger *slog.Logger) *ExecutionScheduler {
	if cfg.MinSliceInterval <= 0 {
		cfg.MinSliceInterval = time.Minute
	}
	if cfg.MaxSliceCount <= 0 {
		cfg.MaxSliceCount = 60
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &ExecutionScheduler{
		cfg:           cfg,
		orderRepo:     orderRepo,
		registry:      registry,
		runs:          make(map[string]*parentRun),
		sliceToParent: make(map[string]string),
		now:           time.Now,
		randDur:       utils.RandDuration,
		newOrderID:    utils.NewOrderID,
		metrics:       m,
		logger:        logger.With("module", "execution_scheduler"),
	}
}

// SetSink 注入事件出口（引擎管理器），构造后、调度前调用一次
func (s *ExecutionScheduler) SetSink(sink domain.EventSink) {
	s.sink = sink
}

// Schedule 将 TWAP 父订单切片并排期释放
// 切片先全部落库，任何计时器触发前执行计划即已持久化
func (s *ExecutionScheduler) Schedule(ctx context.Context, parent *domain.Order) error {
	slices := s.buildSlicePlan(parent)
	for _, slice := range slices {
		if err := s.orderRepo.Save(ctx, slice); err != nil {
			return &domain.SchedulingError{
				ParentOrderID: parent.OrderID,
				SliceIndex:    slice.SliceIndex,
				Attempts:      1,
				Cause:         err,
			}
		}
	}

	run := &parentRun{
		parentID: parent.OrderID,
		market:   parent.Market(),
	}

	s.mu.Lock()
	s.runs[parent.OrderID] = run
	for _, slice := range slices {
		st := &sliceState{orderID: slice.OrderID, index: slice.SliceIndex}
		run.slices = append(run.slices, st)
		s.sliceToParent[slice.OrderID] = parent.OrderID

		delay := slice.ReleaseAt.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		order := slice
		run.timers = append(run.timers, time.AfterFunc(delay, func() {
			s.releaseSlice(run, st, order)
		}))
	}
	s.mu.Unlock()

	s.logger.Info("twap order scheduled",
		"order_id", parent.OrderID,
		"market", parent.Market(),
		"slices", len(slices),
		"duration_minutes", parent.TWAPDurationMinutes,
	)
	return nil
}

// buildSlicePlan 生成切片执行计划
// 切片数 N = clamp(duration/minInterval, 1, maxCount)；数量按 8 位小数
// 均分，截断余数全部归入最后一个切片，保证切片数量之和恰等于委托数量
func (s *ExecutionScheduler) buildSlicePlan(parent *domain.Order) []*domain.Order {
	duration := time.Duration(parent.TWAPDurationMinutes) * time.Minute
	n := int(duration / s.cfg.MinSliceInterval)
	if n < 1 {
		n = 1
	}
	if n > s.cfg.MaxSliceCount {
		n = s.cfg.MaxSliceCount
	}

	interval := duration / time.Duration(n)
	base := parent.AmountIn.Div(decimal.NewFromInt(int64(n))).Truncate(8)
	last := parent.AmountIn.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))

	start := s.now()
	slices := make([]*domain.Order, 0, n)
	for i := 0; i < n; i++ {
		amount := base
		if i == n-1 {
			amount = last
		}

		var jitter time.Duration
		if s.cfg.SliceJitterFraction > 0 {
			jitter = s.randDur(time.Duration(float64(interval) * s.cfg.SliceJitterFraction))
		}

		slices = append(slices, &domain.Order{
			OrderID:        s.newOrderID(),
			UserID:         parent.UserID,
			Side:           parent.Side,
			TokenIn:        parent.TokenIn,
			TokenOut:       parent.TokenOut,
			AmountIn:       amount,
			AmountOut:      amount.Mul(parent.Price),
			Price:          parent.Price,
			FilledAmount:   decimal.Zero,
			ExecutionType:  domain.ExecutionTypeTWAP,
			StealthAddress: parent.StealthAddress,
			Status:         domain.OrderStatusPending,
			ParentOrderID:  parent.OrderID,
			SliceIndex:     i,
			ReleaseAt:      start.Add(time.Duration(i)*interval + jitter),
		})
	}
	return slices
}

// releaseSlice 计时器回调：将切片送入撮合引擎，失败重试，耗尽后取消整单
// released 标记与入队在锁内一步完成：并发 Cancel 要么先行（本次释放作废），
// 要么看到已释放并走引擎撤单，FIFO 队列保证撤单排在入场之后
func (s *ExecutionScheduler) releaseSlice(run *parentRun, st *sliceState, order *domain.Order) {
	err := utils.RetryWithBackoff(s.cfg.RetryAttempts, s.cfg.RetryBackoff, 5*time.Second, func() error {
		s.mu.Lock()
		if run.cancelled || st.terminal {
			s.mu.Unlock()
			return errReleaseSuperseded
		}
		engine := s.registry.GetOrCreate(run.market)
		if err := engine.EnqueueAdmit(order); err != nil {
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SliceRetriesTotal.Inc()
			}
			return err
		}
		st.released = true
		s.mu.Unlock()
		return nil
	})
	if errors.Is(err, errReleaseSuperseded) {
		return
	}
	if err != nil {
		schedErr := &domain.SchedulingError{
			ParentOrderID: run.parentID,
			SliceIndex:    st.index,
			Attempts:      s.cfg.RetryAttempts,
			Cause:         err,
		}
		s.logger.Error("slice release failed, cancelling parent order",
			"order_id", run.parentID, "slice_index", st.index, "error", schedErr)

		// 释放失败的切片置 expired，整单随后取消
		if err := s.sink.PublishOrderUpdated(domain.OrderUpdatedEvent{
			OrderID:        order.OrderID,
			Market:         run.market,
			Status:         domain.OrderStatusExpired,
			FilledAmount:   decimal.Zero,
			UnfilledAmount: order.AmountIn,
			Reason:         "slice release failed",
			OccurredOn:     s.now(),
		}); err != nil {
			s.logger.Error("failed to expire slice", "order_id", order.OrderID, "error", err)
		}
		if cancelErr := s.Cancel(context.Background(), run.parentID); cancelErr != nil && cancelErr != domain.ErrOrderNotFound {
			s.logger.Error("failed to cancel parent after release failure",
				"order_id", run.parentID, "error", cancelErr)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.SlicesScheduledTotal.Inc()
	}
	s.logger.Info("slice released",
		"order_id", order.OrderID,
		"parent_order_id", run.parentID,
		"slice_index", st.index,
		"amount_in", order.AmountIn,
	)
}

// Cancel 取消 TWAP 父订单：停掉计时器，未释放切片直接置终态，
// 已释放的从簿内撤出；父订单终态在全部切片终态后经事件聚合推导
func (s *ExecutionScheduler) Cancel(ctx context.Context, parentID string) error {
	s.mu.Lock()
	run, ok := s.runs[parentID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	if run.cancelled {
		s.mu.Unlock()
		return domain.ErrOrderTerminal
	}
	run.cancelled = true
	for _, t := range run.timers {
		t.Stop()
	}

	var unreleased, resting []string
	for _, st := range run.slices {
		if st.terminal {
			continue
		}
		if st.released {
			resting = append(resting, st.orderID)
		} else {
			unreleased = append(unreleased, st.orderID)
		}
	}
	s.mu.Unlock()

	now := s.now()
	for _, sliceID := range unreleased {
		if err := s.sink.PublishOrderUpdated(domain.OrderUpdatedEvent{
			OrderID:    sliceID,
			Market:     run.market,
			Status:     domain.OrderStatusCancelled,
			Reason:     "parent cancelled",
			OccurredOn: now,
		}); err != nil {
			return err
		}
	}

	engine := s.registry.Get(run.market)
	for _, sliceID := range resting {
		if engine == nil {
			break
		}
		// 已在队列中但尚未挂簿、或已完全成交的切片会返回未找到，忽略
		if err := engine.Cancel(sliceID); err != nil && err != domain.ErrOrderNotFound {
			s.logger.Warn("failed to cancel resting slice",
				"order_id", sliceID, "parent_order_id", parentID, "error", err)
		}
	}

	s.logger.Info("twap order cancelled", "order_id", parentID,
		"unreleased_slices", len(unreleased), "resting_slices", len(resting))
	return nil
}

// Stop 停止全部执行计划的计时器（进程关闭用，不改写订单状态）
func (s *ExecutionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		for _, t := range run.timers {
			t.Stop()
		}
	}
}

// ----------------------------------------------------------------------------
// domain.EventPublisher 实现：监听切片终态，聚合推导父订单终态
// ----------------------------------------------------------------------------

// PublishOrderCreated 调度器不关心创建事件
func (s *ExecutionScheduler) PublishOrderCreated(domain.OrderCreatedEvent) error {
	return nil
}

// PublishTradeExecuted 调度器不关心单笔成交
func (s *ExecutionScheduler) PublishTradeExecuted(domain.TradeExecutedEvent) error {
	return nil
}

// PublishOrderUpdated 记录切片状态变化；全部切片终态后结算父订单
func (s *ExecutionScheduler) PublishOrderUpdated(event domain.OrderUpdatedEvent) error {
	s.mu.Lock()
	parentID, ok := s.sliceToParent[event.OrderID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	run := s.runs[parentID]
	if event.Status.IsTerminal() {
		for _, st := range run.slices {
			if st.orderID == event.OrderID {
				st.terminal = true
				break
			}
		}
	}
	done := run.allTerminal()
	if done {
		delete(s.runs, parentID)
		for _, st := range run.slices {
			delete(s.sliceToParent, st.orderID)
		}
	}
	s.mu.Unlock()

	if !done {
		return nil
	}
	return s.finalizeParent(parentID, run.market)
}

// finalizeParent 重新读取切片并推导父订单终态，经事件出口持久化分发
func (s *ExecutionScheduler) finalizeParent(parentID, market string) error {
	slices, err := s.orderRepo.ListSlices(context.Background(), parentID)
	if err != nil {
		s.logger.Error("failed to load slices for parent finalization",
			"order_id", parentID, "error", err)
		return err
	}

	status, filled := DeriveParentState(slices)
	unfilled := decimal.Zero
	for _, sl := range slices {
		unfilled = unfilled.Add(sl.AmountIn)
	}
	unfilled = unfilled.Sub(filled)

	s.logger.Info("twap order finalized",
		"order_id", parentID, "status", status, "filled_amount", filled)
	return s.sink.PublishOrderUpdated(domain.OrderUpdatedEvent{
		OrderID:        parentID,
		Market:         market,
		Status:         status,
		FilledAmount:   filled,
		UnfilledAmount: unfilled,
		Reason:         "twap execution complete",
		OccurredOn:     s.now(),
	})
}
