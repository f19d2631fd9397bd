// Package application 引擎应用服务：订单入场、TWAP 调度、事件分发、通知与统计
package application

import (
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/shopspring/decimal"
)

// SubmitOrderRequest 提交订单请求
type SubmitOrderRequest struct {
	Side                string
	TokenIn             string
	TokenOut            string
	AmountIn            string
	Price               string
	ExecutionType       string
	TWAPDurationMinutes int
	StealthAddress      string
}

// OrderDTO 订单视图
type OrderDTO struct {
	OrderID             string    `json:"order_id"`
	Side                string    `json:"side"`
	Market              string    `json:"market"`
	TokenIn             string    `json:"token_in"`
	TokenOut            string    `json:"token_out"`
	AmountIn            string    `json:"amount_in"`
	Price               string    `json:"price"`
	FilledAmount        string    `json:"filled_amount"`
	ExecutionType       string    `json:"execution_type"`
	TWAPDurationMinutes int       `json:"twap_duration_minutes,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

// NewOrderDTO 由领域实体构造视图
func NewOrderDTO(o *domain.Order) *OrderDTO {
	return &OrderDTO{
		OrderID:             o.OrderID,
		Side:                string(o.Side),
		Market:              o.Market(),
		TokenIn:             o.TokenIn,
		TokenOut:            o.TokenOut,
		AmountIn:            o.AmountIn.String(),
		Price:               o.Price.String(),
		FilledAmount:        o.FilledAmount.String(),
		ExecutionType:       string(o.ExecutionType),
		TWAPDurationMinutes: o.TWAPDurationMinutes,
		Status:              string(o.Status),
		CreatedAt:           o.CreatedAt,
	}
}

// StatsSnapshot 交易统计快照
type StatsSnapshot struct {
	Market       string          `json:"market,omitempty"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	TradeCount   int64           `json:"trade_count"`
	ActiveOrders int64           `json:"active_orders"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

// Event 推送给订阅者的事件信封
type Event struct {
	Type          domain.EventType           `json:"type"`
	OrderCreated  *domain.OrderCreatedEvent  `json:"order_created,omitempty"`
	OrderUpdated  *domain.OrderUpdatedEvent  `json:"order_updated,omitempty"`
	TradeExecuted *domain.TradeExecutedEvent `json:"trade_executed,omitempty"`
}
