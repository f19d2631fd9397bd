// Package domain 暗池撮合与执行引擎的领域模型
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 订单状态
// 状态机单向推进：pending → {partially_filled → filled | cancelled | expired}
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 对手方向
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExecutionType 执行模式
// atomic：立即全部成交，否则取消（fill-or-kill）；twap：按时间切片释放
type ExecutionType string

const (
	ExecutionTypeAtomic ExecutionType = "atomic"
	ExecutionTypeTWAP   ExecutionType = "twap"
)

// KYCTier 用户认证等级，决定单笔名义金额上限
type KYCTier int

const (
	KYCTierBasic         KYCTier = 0
	KYCTierVerified      KYCTier = 1
	KYCTierAdvanced      KYCTier = 2
	KYCTierInstitutional KYCTier = 3
)

// Order 订单实体
// 既表示用户提交的父订单，也表示 TWAP 子切片（ParentOrderID 非空时）
type Order struct {
	gorm.Model
	// 订单 ID
	OrderID string `gorm:"column:order_id;type:varchar(32);uniqueIndex;not null" json:"order_id"`
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	// 买卖方向
	Side OrderSide `gorm:"column:side;type:varchar(10);not null" json:"side"`
	// 支付代币符号
	TokenIn string `gorm:"column:token_in;type:varchar(16);not null" json:"token_in"`
	// 获得代币符号
	TokenOut string `gorm:"column:token_out;type:varchar(16);not null" json:"token_out"`
	// 委托数量（基础资产计）
	AmountIn decimal.Decimal `gorm:"column:amount_in;type:decimal(30,8);not null" json:"amount_in"`
	// 预估获得数量（amount_in × price）
	AmountOut decimal.Decimal `gorm:"column:amount_out;type:decimal(30,8);not null" json:"amount_out"`
	// 限价（报价资产/基础资产）
	Price decimal.Decimal `gorm:"column:price;type:decimal(30,8);not null" json:"price"`
	// 已成交数量
	FilledAmount decimal.Decimal `gorm:"column:filled_amount;type:decimal(30,8);not null;default:0" json:"filled_amount"`
	// 执行模式
	ExecutionType ExecutionType `gorm:"column:execution_type;type:varchar(10);not null" json:"execution_type"`
	// TWAP 执行时长（分钟），仅 twap 模式有效
	TWAPDurationMinutes int `gorm:"column:twap_duration_minutes" json:"twap_duration_minutes,omitempty"`
	// 隐身地址，由调用方提供，引擎只存储转发
	StealthAddress string `gorm:"column:stealth_address;type:varchar(128);not null" json:"stealth_address"`
	// 订单状态
	Status OrderStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	// 父订单 ID，仅 TWAP 切片持有
	ParentOrderID string `gorm:"column:parent_order_id;type:varchar(32);index" json:"parent_order_id,omitempty"`
	// 切片序号，自 0 起
	SliceIndex int `gorm:"column:slice_index" json:"slice_index,omitempty"`
	// 切片计划释放时间
	ReleaseAt time.Time `gorm:"column:release_at" json:"release_at,omitempty"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// Market 规范化交易对符号（基础资产/报价资产）
// 买单支付报价资产获得基础资产，卖单相反；两侧订单落入同一交易对
func (o *Order) Market() string {
	if o.Side == OrderSideBuy {
		return o.TokenOut + "/" + o.TokenIn
	}
	return o.TokenIn + "/" + o.TokenOut
}

// BaseToken 基础资产符号
func (o *Order) BaseToken() string {
	if o.Side == OrderSideBuy {
		return o.TokenOut
	}
	return o.TokenIn
}

// RemainingAmount 剩余未成交数量
func (o *Order) RemainingAmount() decimal.Decimal {
	return o.AmountIn.Sub(o.FilledAmount)
}

// Notional 名义金额（报价资产计）
func (o *Order) Notional() decimal.Decimal {
	return o.AmountIn.Mul(o.Price)
}

// IsSlice 是否为 TWAP 子切片
func (o *Order) IsSlice() bool {
	return o.ParentOrderID != ""
}

// CanBeCancelled 是否可以取消
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartiallyFilled
}

// Validate 校验订单不变量，失败返回 ValidationError
func (o *Order) Validate(supportedTokens map[string]bool) error {
	if !o.AmountIn.IsPositive() {
		return NewValidationError("amount_in", "must be positive")
	}
	if !o.Price.IsPositive() {
		return NewValidationError("price", "must be positive")
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return NewValidationError("side", fmt.Sprintf("unknown side %q", o.Side))
	}
	if o.TokenIn == o.TokenOut {
		return NewValidationError("pair", "token_in and token_out must differ")
	}
	if len(supportedTokens) > 0 {
		if !supportedTokens[o.TokenIn] {
			return NewValidationError("token_in", fmt.Sprintf("unsupported token %q", o.TokenIn))
		}
		if !supportedTokens[o.TokenOut] {
			return NewValidationError("token_out", fmt.Sprintf("unsupported token %q", o.TokenOut))
		}
	}
	switch o.ExecutionType {
	case ExecutionTypeAtomic:
		if o.TWAPDurationMinutes != 0 {
			return NewValidationError("twap_duration_minutes", "not allowed for atomic orders")
		}
	case ExecutionTypeTWAP:
		if o.TWAPDurationMinutes <= 0 {
			return NewValidationError("twap_duration_minutes", "must be positive for twap orders")
		}
	default:
		return NewValidationError("execution_type", fmt.Sprintf("unknown execution type %q", o.ExecutionType))
	}
	if o.StealthAddress == "" {
		return NewValidationError("stealth_address", "is required")
	}
	return nil
}

// ApplyFill 记录一笔成交，返回成交后的状态
// 已成交数量永不超过委托数量，超量视为簿损坏
func (o *Order) ApplyFill(amount decimal.Decimal) (OrderStatus, error) {
	filled := o.FilledAmount.Add(amount)
	if filled.GreaterThan(o.AmountIn) {
		return o.Status, fmt.Errorf("fill %s exceeds order amount %s: %w", filled, o.AmountIn, ErrBookCorrupted)
	}
	o.FilledAmount = filled
	if filled.Equal(o.AmountIn) {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return o.Status, nil
}

// OrderRepository 订单仓储接口，只追加/更新，不删除
type OrderRepository interface {
	// 保存订单
	Save(ctx context.Context, order *Order) error
	// 获取订单
	Get(ctx context.Context, orderID string) (*Order, error)
	// 更新状态与成交数量
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus, filledAmount decimal.Decimal) error
	// 获取用户订单列表
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	// 获取某父订单的全部切片
	ListSlices(ctx context.Context, parentOrderID string) ([]*Order, error)
	// 统计活跃（非终态）订单数
	CountActive(ctx context.Context, market string) (int64, error)
}
