package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/metrics"
	"github.com/Vantalim12/pskdotfun/pkg/utils"
	"github.com/shopspring/decimal"
)

// IntakeConfig 入场网关配置
type IntakeConfig struct {
	// 支持的代币符号
	SupportedTokens []string
	// 各 KYC 等级名义金额上限（报价币计价），零值表示不限
	TierLimits map[domain.KYCTier]decimal.Decimal
}

// EngineManager 处理订单生命周期的全部写入操作
// 实现 domain.EventSink：撮合协程产生的事件先持久化再分发，
// 持久化失败将熔断对应交易对（内存簿与存储一旦分歧必须停止交易）
type EngineManager struct {
	registry  *domain.EngineRegistry
	orderRepo domain.OrderRepository
	tradeRepo domain.TradeRepository
	identity  domain.IdentityProvider
	profiles  domain.ProfileService
	scheduler *ExecutionScheduler

	publishers []domain.EventPublisher

	intake  IntakeConfig
	tokens  map[string]bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngineManager 构造函数；registry 由 manager 自建以便充当事件出口
func NewEngineManager(
	queueDepth int,
	orderRepo domain.OrderRepository,
	tradeRepo domain.TradeRepository,
	identity domain.IdentityProvider,
	profiles domain.ProfileService,
	intake IntakeConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EngineManager {
	tokens := make(map[string]bool, len(intake.SupportedTokens))
	for _, t := range intake.SupportedTokens {
		tokens[t] = true
	}

	mgr := &EngineManager{
		orderRepo: orderRepo,
		tradeRepo: tradeRepo,
		identity:  identity,
		profiles:  profiles,
		intake:    intake,
		tokens:    tokens,
		metrics:   m,
		logger:    logger.With("module", "engine_manager"),
	}
	mgr.registry = domain.NewEngineRegistry(queueDepth, mgr, utils.NewTradeID, logger)
	if m != nil {
		mgr.registry.SetObserver(func(d time.Duration) {
			m.MatchDuration.Observe(d.Seconds())
		})
	}
	return mgr
}

// SetScheduler 注入 TWAP 执行调度器（构造后、服务启动前调用一次）
func (mgr *EngineManager) SetScheduler(s *ExecutionScheduler) {
	mgr.scheduler = s
}

// AddPublisher 注册事件消费者（通知、统计、消息队列），共享同一事件流
func (mgr *EngineManager) AddPublisher(p domain.EventPublisher) {
	mgr.publishers = append(mgr.publishers, p)
}

// Registry 交易对引擎注册表
func (mgr *EngineManager) Registry() *domain.EngineRegistry {
	return mgr.registry
}

// SubmitOrder 验证并接纳订单；入队持久化完成即返回，撮合结果经事件流观察
func (mgr *EngineManager) SubmitOrder(ctx context.Context, token string, req *SubmitOrderRequest) (string, error) {
	userID, err := mgr.identity.Authenticate(ctx, token)
	if err != nil {
		return "", domain.ErrUnauthenticated
	}

	order, err := mgr.buildOrder(userID, req)
	if err != nil {
		if mgr.metrics != nil {
			mgr.metrics.OrdersRejectedTotal.Inc()
		}
		return "", err
	}

	if err := mgr.checkNotionalLimit(ctx, order); err != nil {
		if mgr.metrics != nil {
			mgr.metrics.OrdersRejectedTotal.Inc()
		}
		return "", err
	}

	// 先落库，再进入撮合/调度：submit 返回即保证订单已持久化
	if err := mgr.orderRepo.Save(ctx, order); err != nil {
		return "", fmt.Errorf("failed to persist order: %w", err)
	}

	mgr.dispatchOrderCreated(domain.OrderCreatedEvent{
		OrderID:       order.OrderID,
		UserID:        order.UserID,
		Market:        order.Market(),
		Side:          order.Side,
		Price:         order.Price,
		AmountIn:      order.AmountIn,
		ExecutionType: order.ExecutionType,
		OccurredOn:    time.Now(),
	})

	switch order.ExecutionType {
	case domain.ExecutionTypeTWAP:
		if err := mgr.scheduler.Schedule(ctx, order); err != nil {
			return "", err
		}
	default:
		engine := mgr.registry.GetOrCreate(order.Market())
		if err := engine.EnqueueAdmit(order); err != nil {
			return "", err
		}
	}

	if mgr.metrics != nil {
		mgr.metrics.OrdersTotal.Inc()
	}
	mgr.logger.Info("order admitted",
		"order_id", order.OrderID,
		"market", order.Market(),
		"side", order.Side,
		"execution_type", order.ExecutionType,
	)
	return order.OrderID, nil
}

// buildOrder 解析并校验请求，构造订单实体
func (mgr *EngineManager) buildOrder(userID string, req *SubmitOrderRequest) (*domain.Order, error) {
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return nil, domain.NewValidationError("price", "is not a valid decimal")
	}
	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil {
		return nil, domain.NewValidationError("amount_in", "is not a valid decimal")
	}

	order := &domain.Order{
		OrderID:             utils.NewOrderID(),
		UserID:              userID,
		Side:                domain.OrderSide(req.Side),
		TokenIn:             req.TokenIn,
		TokenOut:            req.TokenOut,
		AmountIn:            amountIn,
		AmountOut:           amountIn.Mul(price),
		Price:               price,
		FilledAmount:        decimal.Zero,
		ExecutionType:       domain.ExecutionType(req.ExecutionType),
		TWAPDurationMinutes: req.TWAPDurationMinutes,
		StealthAddress:      req.StealthAddress,
		Status:              domain.OrderStatusPending,
	}

	if err := order.Validate(mgr.tokens); err != nil {
		return nil, err
	}
	return order, nil
}

// checkNotionalLimit KYC 准入：名义金额超过等级上限的订单直接拒绝
func (mgr *EngineManager) checkNotionalLimit(ctx context.Context, order *domain.Order) error {
	tier, err := mgr.profiles.Tier(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve kyc tier: %w", err)
	}
	limit, ok := mgr.intake.TierLimits[tier]
	if !ok || limit.IsZero() {
		return nil
	}
	if order.Notional().GreaterThan(limit) {
		return domain.NewPolicyError(fmt.Sprintf(
			"notional %s exceeds tier %d limit %s", order.Notional(), tier, limit))
	}
	return nil
}

// CancelOrder 取消订单
// TWAP 父订单：取消全部未释放与未成交切片；普通挂单：从簿内撤出
func (mgr *EngineManager) CancelOrder(ctx context.Context, token string, orderID string) error {
	userID, err := mgr.identity.Authenticate(ctx, token)
	if err != nil {
		return domain.ErrUnauthenticated
	}

	order, err := mgr.orderRepo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil || order.UserID != userID {
		return domain.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return domain.ErrOrderTerminal
	}

	if order.ExecutionType == domain.ExecutionTypeTWAP && !order.IsSlice() {
		return mgr.scheduler.Cancel(ctx, order.OrderID)
	}

	engine := mgr.registry.Get(order.Market())
	if engine == nil {
		return domain.ErrOrderNotFound
	}
	return engine.Cancel(order.OrderID)
}

// GetOrder 查询订单；TWAP 父订单状态由切片聚合派生
func (mgr *EngineManager) GetOrder(ctx context.Context, orderID string) (*OrderDTO, error) {
	order, err := mgr.orderRepo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	if order.ExecutionType == domain.ExecutionTypeTWAP && !order.IsSlice() {
		slices, err := mgr.orderRepo.ListSlices(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		if len(slices) > 0 {
			status, filled := DeriveParentState(slices)
			order.Status = status
			order.FilledAmount = filled
		}
	}
	return NewOrderDTO(order), nil
}

// ListOrders 查询用户订单
func (mgr *EngineManager) ListOrders(ctx context.Context, token string, limit int) ([]*OrderDTO, error) {
	userID, err := mgr.identity.Authenticate(ctx, token)
	if err != nil {
		return nil, domain.ErrUnauthenticated
	}
	orders, err := mgr.orderRepo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	dtos := make([]*OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, NewOrderDTO(o))
	}
	return dtos, nil
}

// BookSnapshot 获取交易对订单簿时点快照
func (mgr *EngineManager) BookSnapshot(market string, depth int) (*domain.BookSnapshot, error) {
	engine := mgr.registry.Get(market)
	if engine == nil {
		// 交易对尚无引擎即空簿
		return &domain.BookSnapshot{
			Market:    market,
			Bids:      []*domain.BookLevel{},
			Asks:      []*domain.BookLevel{},
			Spread:    decimal.Zero,
			Timestamp: time.Now().UnixNano(),
		}, nil
	}
	return engine.Snapshot(depth)
}

// ----------------------------------------------------------------------------
// domain.EventSink 实现：撮合协程同步调用，先持久化再分发
// ----------------------------------------------------------------------------

// PublishTradeExecuted 持久化成交并分发事件
func (mgr *EngineManager) PublishTradeExecuted(event domain.TradeExecutedEvent) error {
	trade := &domain.Trade{
		TradeID:        event.TradeID,
		Market:         event.Market,
		BuyOrderID:     event.BuyOrderID,
		SellOrderID:    event.SellOrderID,
		RestingOrderID: event.RestingOrderID,
		AmountIn:       event.AmountIn,
		Price:          event.Price,
		ExecutedAt:     event.OccurredOn.UnixNano(),
	}
	if err := mgr.tradeRepo.Save(context.Background(), trade); err != nil {
		if mgr.metrics != nil {
			mgr.metrics.EngineHaltsTotal.Inc()
		}
		return fmt.Errorf("failed to persist trade %s: %w", event.TradeID, err)
	}

	if mgr.metrics != nil {
		mgr.metrics.TradesTotal.Inc()
	}
	for _, p := range mgr.publishers {
		if err := p.PublishTradeExecuted(event); err != nil {
			mgr.logger.Error("publisher failed on trade event", "trade_id", event.TradeID, "error", err)
		}
	}
	return nil
}

// PublishOrderUpdated 持久化订单状态并分发事件
func (mgr *EngineManager) PublishOrderUpdated(event domain.OrderUpdatedEvent) error {
	if err := mgr.orderRepo.UpdateStatus(context.Background(), event.OrderID, event.Status, event.FilledAmount); err != nil {
		if mgr.metrics != nil {
			mgr.metrics.EngineHaltsTotal.Inc()
		}
		return fmt.Errorf("failed to persist order update %s: %w", event.OrderID, err)
	}

	for _, p := range mgr.publishers {
		if err := p.PublishOrderUpdated(event); err != nil {
			mgr.logger.Error("publisher failed on order update", "order_id", event.OrderID, "error", err)
		}
	}
	return nil
}

// dispatchOrderCreated 分发订单创建事件（订单已先行持久化）
func (mgr *EngineManager) dispatchOrderCreated(event domain.OrderCreatedEvent) {
	for _, p := range mgr.publishers {
		if err := p.PublishOrderCreated(event); err != nil {
			mgr.logger.Error("publisher failed on order created", "order_id", event.OrderID, "error", err)
		}
	}
}

// DeriveParentState 由切片聚合派生 TWAP 父订单状态与累计成交
// 规则：任一切片活跃则父订单活跃；全部终态后，有未成交量且存在取消/过期
// 切片则父订单为 cancelled，否则 filled
func DeriveParentState(slices []*domain.Order) (domain.OrderStatus, decimal.Decimal) {
	filled := decimal.Zero
	total := decimal.Zero
	allTerminal := true
	for _, s := range slices {
		filled = filled.Add(s.FilledAmount)
		total = total.Add(s.AmountIn)
		if !s.Status.IsTerminal() {
			allTerminal = false
		}
	}

	if !allTerminal {
		if filled.IsPositive() {
			return domain.OrderStatusPartiallyFilled, filled
		}
		return domain.OrderStatusPending, filled
	}
	if filled.Equal(total) {
		return domain.OrderStatusFilled, filled
	}
	return domain.OrderStatusCancelled, filled
}
