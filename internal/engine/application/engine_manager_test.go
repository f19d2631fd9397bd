package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/internal/engine/infrastructure/identity"
	"github.com/Vantalim12/pskdotfun/internal/engine/infrastructure/persistence/memory"
	"github.com/shopspring/decimal"
)

type testStack struct {
	manager   *EngineManager
	scheduler *ExecutionScheduler
	orderRepo domain.OrderRepository
	tradeRepo domain.TradeRepository
	identity  *identity.StaticIdentityProvider
	profiles  *identity.StaticProfileService
}

func newTestStack() *testStack {
	orderRepo := memory.NewOrderRepository()
	tradeRepo := memory.NewTradeRepository()
	idp := identity.NewStaticIdentityProvider()
	profiles := identity.NewStaticProfileService()

	idp.Grant("token-basic", "user-basic")
	idp.Grant("token-inst", "user-inst")
	profiles.Set("user-basic", domain.KYCTierBasic)
	profiles.Set("user-inst", domain.KYCTierInstitutional)

	manager := NewEngineManager(128, orderRepo, tradeRepo, idp, profiles, IntakeConfig{
		SupportedTokens: []string{"SOL", "USDC", "USDT", "BONK"},
		TierLimits: map[domain.KYCTier]decimal.Decimal{
			domain.KYCTierBasic:         decimal.NewFromInt(10000),
			domain.KYCTierVerified:      decimal.NewFromInt(100000),
			domain.KYCTierAdvanced:      decimal.NewFromInt(1000000),
			domain.KYCTierInstitutional: decimal.Zero,
		},
	}, nil, testLogger())

	scheduler := NewExecutionScheduler(SchedulerConfig{
		MinSliceInterval: time.Minute,
		MaxSliceCount:    60,
		RetryAttempts:    2,
		RetryBackoff:     time.Millisecond,
	}, orderRepo, manager.Registry(), nil, testLogger())
	scheduler.randDur = func(time.Duration) time.Duration { return 0 }
	scheduler.SetSink(manager)
	manager.SetScheduler(scheduler)
	manager.AddPublisher(scheduler)

	return &testStack{
		manager:   manager,
		scheduler: scheduler,
		orderRepo: orderRepo,
		tradeRepo: tradeRepo,
		identity:  idp,
		profiles:  profiles,
	}
}

func (s *testStack) close() {
	s.scheduler.Stop()
	s.manager.Registry().StopAll()
}

func submitReq(side, execType string, amount, price string) *SubmitOrderRequest {
	tokenIn, tokenOut := "USDC", "SOL"
	if side == "sell" {
		tokenIn, tokenOut = "SOL", "USDC"
	}
	req := &SubmitOrderRequest{
		Side:           side,
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		AmountIn:       amount,
		Price:          price,
		ExecutionType:  execType,
		StealthAddress: "stealth-addr",
	}
	if execType == "twap" {
		req.TWAPDurationMinutes = 1
	}
	return req
}

func waitForStatus(t *testing.T, repo domain.OrderRepository, orderID string, want domain.OrderStatus) *domain.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		order, err := repo.Get(context.Background(), orderID)
		if err != nil {
			t.Fatal(err)
		}
		if order != nil && order.Status == want {
			return order
		}
		if time.Now().After(deadline) {
			got := "missing"
			if order != nil {
				got = string(order.Status)
			}
			t.Fatalf("order %s: expected status %s, got %s", orderID, want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitOrderUnauthenticated(t *testing.T) {
	s := newTestStack()
	defer s.close()

	_, err := s.manager.SubmitOrder(context.Background(), "bogus", submitReq("buy", "atomic", "1", "100"))
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	s := newTestStack()
	defer s.close()

	var validationErr *domain.ValidationError

	_, err := s.manager.SubmitOrder(context.Background(), "token-basic", submitReq("buy", "atomic", "not-a-number", "100"))
	if !errors.As(err, &validationErr) {
		t.Errorf("expected validation error for bad amount, got %v", err)
	}

	req := submitReq("buy", "atomic", "1", "100")
	req.TokenOut = "DOGE"
	_, err = s.manager.SubmitOrder(context.Background(), "token-basic", req)
	if !errors.As(err, &validationErr) {
		t.Errorf("expected validation error for unsupported token, got %v", err)
	}
}

func TestSubmitOrderKYCNotionalLimit(t *testing.T) {
	s := newTestStack()
	defer s.close()

	// tier 0 上限 10000，名义金额 100×150 = 15000 被拒
	var policyErr *domain.PolicyError
	_, err := s.manager.SubmitOrder(context.Background(), "token-basic", submitReq("buy", "atomic", "100", "150"))
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected policy error, got %v", err)
	}

	// 机构级上限为 0（不限）
	if _, err := s.manager.SubmitOrder(context.Background(), "token-inst", submitReq("buy", "atomic", "100", "150")); err != nil {
		t.Errorf("institutional user must pass the notional gate: %v", err)
	}
}

func TestAtomicOrderCancelledWithoutLiquidity(t *testing.T) {
	s := newTestStack()
	defer s.close()

	orderID, err := s.manager.SubmitOrder(context.Background(), "token-basic", submitReq("buy", "atomic", "2", "100"))
	if err != nil {
		t.Fatal(err)
	}

	order := waitForStatus(t, s.orderRepo, orderID, domain.OrderStatusCancelled)
	if !order.FilledAmount.IsZero() {
		t.Errorf("expected no fills, got %s", order.FilledAmount)
	}
}

func TestTwapAndAtomicMatchEndToEnd(t *testing.T) {
	s := newTestStack()
	defer s.close()

	// 1 分钟 TWAP → 单切片立即释放挂簿
	sellID, err := s.manager.SubmitOrder(context.Background(), "token-inst", submitReq("sell", "twap", "5", "100"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	engine := s.manager.Registry().GetOrCreate("SOL/USDC")
	for {
		snap, err := engine.Snapshot(0)
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Asks) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("twap slice did not rest in the book")
		}
		time.Sleep(5 * time.Millisecond)
	}

	buyID, err := s.manager.SubmitOrder(context.Background(), "token-basic", submitReq("buy", "atomic", "5", "100"))
	if err != nil {
		t.Fatal(err)
	}

	buyer := waitForStatus(t, s.orderRepo, buyID, domain.OrderStatusFilled)
	if !buyer.FilledAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected buyer filled 5, got %s", buyer.FilledAmount)
	}

	// 切片全部终态后父订单被推导并持久化为 filled
	waitForStatus(t, s.orderRepo, sellID, domain.OrderStatusFilled)

	dto, err := s.manager.GetOrder(context.Background(), sellID)
	if err != nil {
		t.Fatal(err)
	}
	if dto.Status != string(domain.OrderStatusFilled) || dto.FilledAmount != "5" {
		t.Errorf("expected filled parent with amount 5, got %s/%s", dto.Status, dto.FilledAmount)
	}

	trades, err := s.tradeRepo.GetLatestTrades(context.Background(), "SOL/USDC", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 persisted trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected trade at resting price 100, got %s", trades[0].Price)
	}
}

func TestCancelOrderOwnership(t *testing.T) {
	s := newTestStack()
	defer s.close()

	orderID, err := s.manager.SubmitOrder(context.Background(), "token-inst", submitReq("sell", "twap", "5", "100"))
	if err != nil {
		t.Fatal(err)
	}

	// 他人不可取消
	if err := s.manager.CancelOrder(context.Background(), "token-basic", orderID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for foreign order, got %v", err)
	}

	if err := s.manager.CancelOrder(context.Background(), "token-inst", orderID); err != nil {
		t.Fatalf("owner cancel failed: %v", err)
	}
	waitForStatus(t, s.orderRepo, orderID, domain.OrderStatusCancelled)
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStack()
	defer s.close()

	if _, err := s.manager.GetOrder(context.Background(), "O-missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestBookSnapshotUnknownMarket(t *testing.T) {
	s := newTestStack()
	defer s.close()

	snap, err := s.manager.BookSnapshot("BONK/USDC", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Error("unknown market must report an empty book")
	}
}
