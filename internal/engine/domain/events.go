package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 事件类型
type EventType string

const (
	EventTypeOrderCreated  EventType = "order.created"
	EventTypeOrderUpdated  EventType = "order.updated"
	EventTypeTradeExecuted EventType = "trade.executed"
)

// OrderCreatedEvent 订单创建事件
type OrderCreatedEvent struct {
	OrderID       string
	UserID        string
	Market        string
	Side          OrderSide
	Price         decimal.Decimal
	AmountIn      decimal.Decimal
	ExecutionType ExecutionType
	ParentOrderID string
	OccurredOn    time.Time
}

// OrderUpdatedEvent 订单状态/成交进度变更事件
type OrderUpdatedEvent struct {
	OrderID      string
	Market       string
	Status       OrderStatus
	FilledAmount decimal.Decimal
	// 终态时披露的未成交数量
	UnfilledAmount decimal.Decimal
	Reason         string
	OccurredOn     time.Time
}

// TradeExecutedEvent 成交事件，携带结算所需全部信息
type TradeExecutedEvent struct {
	TradeID        string
	Market         string
	BuyOrderID     string
	SellOrderID    string
	RestingOrderID string
	AmountIn       decimal.Decimal
	Price          decimal.Decimal
	// 双方隐身地址，原样转发给结算层
	BuyStealthAddress  string
	SellStealthAddress string
	OccurredOn         time.Time
}

// EventSink 引擎事件出口
// 同一订单的事件由交易对的单写入协程按产生顺序依次投递；
// 实现方持久化并分发事件，返回错误将熔断该交易对的撮合
type EventSink interface {
	PublishOrderUpdated(event OrderUpdatedEvent) error
	PublishTradeExecuted(event TradeExecutedEvent) error
}

// EventPublisher 对外事件发布接口（通知/统计/消息队列消费同一事件流）
type EventPublisher interface {
	PublishOrderCreated(event OrderCreatedEvent) error
	PublishOrderUpdated(event OrderUpdatedEvent) error
	PublishTradeExecuted(event TradeExecutedEvent) error
}
