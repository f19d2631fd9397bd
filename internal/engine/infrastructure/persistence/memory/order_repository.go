// Package memory 内存仓储实现，用于测试与本地运行
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/shopspring/decimal"
)

type orderRepository struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
	seq    int
}

// NewOrderRepository 创建内存订单仓储
func NewOrderRepository() domain.OrderRepository {
	return &orderRepository{orders: make(map[string]*domain.Order)}
}

func (r *orderRepository) Save(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	clone := *order
	clone.ID = uint(r.seq)
	r.orders[order.OrderID] = &clone
	return nil
}

func (r *orderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	clone := *order
	return &clone, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, filledAmount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.Status = status
	order.FilledAmount = filledAmount
	return nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, order := range r.orders {
		if order.UserID == userID && !order.IsSlice() {
			clone := *order
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *orderRepository) ListSlices(ctx context.Context, parentOrderID string) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, order := range r.orders {
		if order.ParentOrderID == parentOrderID {
			clone := *order
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SliceIndex < out[j].SliceIndex })
	return out, nil
}

func (r *orderRepository) CountActive(ctx context.Context, market string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, order := range r.orders {
		if order.Status.IsTerminal() {
			continue
		}
		if market != "" && order.Market() != market {
			continue
		}
		count++
	}
	return count, nil
}
