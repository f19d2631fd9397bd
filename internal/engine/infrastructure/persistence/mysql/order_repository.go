// Package mysql 基于 GORM 的仓储实现
package mysql

import (
	"context"
	"errors"
	"strings"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) domain.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Save(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, filledAmount decimal.Decimal) error {
	result := r.db.WithContext(ctx).Model(&domain.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":        status,
			"filled_amount": filledAmount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []*domain.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND parent_order_id = ''", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) ListSlices(ctx context.Context, parentOrderID string) ([]*domain.Order, error) {
	var slices []*domain.Order
	err := r.db.WithContext(ctx).
		Where("parent_order_id = ?", parentOrderID).
		Order("slice_index asc").
		Find(&slices).Error
	return slices, err
}

func (r *orderRepository) CountActive(ctx context.Context, market string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&domain.Order{}).
		Where("status IN ?", []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusPartiallyFilled})
	if market != "" {
		if base, quote, ok := strings.Cut(market, "/"); ok {
			query = query.Where(
				"(side = ? AND token_out = ? AND token_in = ?) OR (side = ? AND token_in = ? AND token_out = ?)",
				domain.OrderSideBuy, base, quote,
				domain.OrderSideSell, base, quote,
			)
		}
	}
	err := query.Count(&count).Error
	return count, err
}
