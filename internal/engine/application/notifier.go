package application

import (
	"log/slog"
	"sync"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/utils"
)

// Subscriber 订阅者句柄
type Subscriber struct {
	ID     string
	Market string
	// Events 事件通道，通知器关闭订阅时关闭
	Events chan *Event
}

// SettlementNotifier 结算/行情通知器
// 按交易对扇出事件流；投递非阻塞，任何缓冲写满的订阅者被立即
// 剔除（慢消费者不得拖住撮合路径）。对外事件不携带隐身地址
type SettlementNotifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber // market → id → subscriber

	bufferSize int
	logger     *slog.Logger
}

// NewSettlementNotifier 创建通知器
func NewSettlementNotifier(bufferSize int, logger *slog.Logger) *SettlementNotifier {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &SettlementNotifier{
		subscribers: make(map[string]map[string]*Subscriber),
		bufferSize:  bufferSize,
		logger:      logger.With("module", "settlement_notifier"),
	}
}

// Subscribe 订阅某交易对的事件流
func (n *SettlementNotifier) Subscribe(market string) *Subscriber {
	sub := &Subscriber{
		ID:     utils.NewSubscriberID(),
		Market: market,
		Events: make(chan *Event, n.bufferSize),
	}

	n.mu.Lock()
	if n.subscribers[market] == nil {
		n.subscribers[market] = make(map[string]*Subscriber)
	}
	n.subscribers[market][sub.ID] = sub
	n.mu.Unlock()

	n.logger.Info("subscriber registered", "subscriber_id", sub.ID, "market", market)
	return sub
}

// Unsubscribe 退订并关闭事件通道
func (n *SettlementNotifier) Unsubscribe(sub *Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(sub)
}

// SubscriberCount 某交易对当前订阅者数量
func (n *SettlementNotifier) SubscriberCount(market string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[market])
}

// Close 关闭全部订阅
func (n *SettlementNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, subs := range n.subscribers {
		for _, sub := range subs {
			close(sub.Events)
		}
	}
	n.subscribers = make(map[string]map[string]*Subscriber)
}

func (n *SettlementNotifier) removeLocked(sub *Subscriber) {
	subs, ok := n.subscribers[sub.Market]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	close(sub.Events)
	if len(subs) == 0 {
		delete(n.subscribers, sub.Market)
	}
}

// broadcast 向交易对的所有订阅者非阻塞投递；写满即剔除该订阅者
func (n *SettlementNotifier) broadcast(market string, event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subscribers[market] {
		select {
		case sub.Events <- event:
		default:
			n.logger.Warn("subscriber buffer full, dropping subscriber",
				"subscriber_id", sub.ID, "market", market)
			n.removeLocked(sub)
		}
	}
}

// ----------------------------------------------------------------------------
// domain.EventPublisher 实现
// ----------------------------------------------------------------------------

// PublishOrderCreated 广播订单创建
func (n *SettlementNotifier) PublishOrderCreated(event domain.OrderCreatedEvent) error {
	n.broadcast(event.Market, &Event{
		Type:         domain.EventTypeOrderCreated,
		OrderCreated: &event,
	})
	return nil
}

// PublishOrderUpdated 广播订单状态变化
func (n *SettlementNotifier) PublishOrderUpdated(event domain.OrderUpdatedEvent) error {
	n.broadcast(event.Market, &Event{
		Type:         domain.EventTypeOrderUpdated,
		OrderUpdated: &event,
	})
	return nil
}

// PublishTradeExecuted 广播成交；剥离双方隐身地址后再扇出
func (n *SettlementNotifier) PublishTradeExecuted(event domain.TradeExecutedEvent) error {
	public := event
	public.BuyStealthAddress = ""
	public.SellStealthAddress = ""
	n.broadcast(event.Market, &Event{
		Type:          domain.EventTypeTradeExecuted,
		TradeExecuted: &public,
	})
	return nil
}
