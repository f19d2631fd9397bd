package domain

import (
	"container/list"
	"sort"

	"github.com/shopspring/decimal"
)

// RestingOrder 簿内挂单，由交易对撮合协程独占访问
type RestingOrder struct {
	OrderID        string
	UserID         string
	Side           OrderSide
	Price          decimal.Decimal
	AmountIn       decimal.Decimal
	Filled         decimal.Decimal
	StealthAddress string
	// 入场序号，同价位按此先后撮合（FIFO）
	Sequence uint64
}

// Remaining 剩余未成交数量
func (r *RestingOrder) Remaining() decimal.Decimal {
	return r.AmountIn.Sub(r.Filled)
}

// PriceLevel 同一价格档位下的订单集合，保证时间优先 (FIFO)
type PriceLevel struct {
	Price  decimal.Decimal
	Orders *list.List // 存储 *RestingOrder
}

// NewPriceLevel 创建价格档位
func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		Orders: list.New(),
	}
}

// TotalAmount 档位挂单总量
func (l *PriceLevel) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for el := l.Orders.Front(); el != nil; el = el.Next() {
		total = total.Add(el.Value.(*RestingOrder).Remaining())
	}
	return total
}

// OrderBook 内存订单簿（单交易对）
// 无锁：由交易对的单写入 Worker 独占访问
type OrderBook struct {
	Market string

	// bids 买盘，档位按价格降序
	bids []*PriceLevel
	// asks 卖盘，档位按价格升序
	asks []*PriceLevel
	// index 订单 ID → 所在档位与链表元素，用于 O(1) 撤单定位
	index map[string]*bookEntry

	seq uint64
}

type bookEntry struct {
	side    OrderSide
	level   *PriceLevel
	element *list.Element
}

// NewOrderBook 创建订单簿
func NewOrderBook(market string) *OrderBook {
	return &OrderBook{
		Market: market,
		index:  make(map[string]*bookEntry),
	}
}

// NextSequence 分配入场序号
func (b *OrderBook) NextSequence() uint64 {
	b.seq++
	return b.seq
}

// Admit 将未成交余量插入对应挂单侧
func (b *OrderBook) Admit(ro *RestingOrder) {
	if ro.Sequence == 0 {
		ro.Sequence = b.NextSequence()
	}

	level := b.findOrInsertLevel(ro.Side, ro.Price)
	element := level.Orders.PushBack(ro)
	b.index[ro.OrderID] = &bookEntry{side: ro.Side, level: level, element: element}
}

// BestBid 买一档位，空盘返回 nil
func (b *OrderBook) BestBid() *PriceLevel {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk 卖一档位，空盘返回 nil
func (b *OrderBook) BestAsk() *PriceLevel {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Remove 撤出指定订单，返回被撤出的挂单；不存在时返回 nil
func (b *OrderBook) Remove(orderID string) *RestingOrder {
	entry, ok := b.index[orderID]
	if !ok {
		return nil
	}
	ro := entry.element.Value.(*RestingOrder)
	entry.level.Orders.Remove(entry.element)
	delete(b.index, orderID)
	if entry.level.Orders.Len() == 0 {
		b.dropLevel(entry.side, entry.level)
	}
	return ro
}

// Contains 订单是否仍在簿内
func (b *OrderBook) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

// IsCrossed 盘口是否交叉（买一价 ≥ 卖一价）
// 撮合总是先吃穿可成交档位，正常流程下恒为 false
func (b *OrderBook) IsCrossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// BookLevel 深度档位
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// BookSnapshot 订单簿某一时刻的聚合快照
type BookSnapshot struct {
	Market    string       `json:"market"`
	Bids      []*BookLevel `json:"bids"`
	Asks      []*BookLevel `json:"asks"`
	// 买一卖一价差，单边空盘时为 0
	Spread    decimal.Decimal `json:"spread"`
	Timestamp int64           `json:"timestamp"`
}

// Snapshot 聚合前 depth 档生成快照
func (b *OrderBook) Snapshot(depth int, now int64) *BookSnapshot {
	snap := &BookSnapshot{
		Market:    b.Market,
		Bids:      collectLevels(b.bids, depth),
		Asks:      collectLevels(b.asks, depth),
		Spread:    decimal.Zero,
		Timestamp: now,
	}
	if bid, ask := b.BestBid(), b.BestAsk(); bid != nil && ask != nil {
		snap.Spread = ask.Price.Sub(bid.Price)
	}
	return snap
}

func collectLevels(levels []*PriceLevel, depth int) []*BookLevel {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	out := make([]*BookLevel, 0, depth)
	for _, level := range levels[:depth] {
		out = append(out, &BookLevel{
			Price:  level.Price,
			Amount: level.TotalAmount(),
		})
	}
	return out
}

// opposingLevels 对手方档位（已按优先级排序）
func (b *OrderBook) opposingLevels(side OrderSide) []*PriceLevel {
	if side == OrderSideBuy {
		return b.asks
	}
	return b.bids
}

// findOrInsertLevel 定位或插入价格档位；买盘降序、卖盘升序，盘口始终位于切片头部
func (b *OrderBook) findOrInsertLevel(side OrderSide, price decimal.Decimal) *PriceLevel {
	levels := &b.asks
	if side == OrderSideBuy {
		levels = &b.bids
	}

	ls := *levels
	i := sort.Search(len(ls), func(i int) bool {
		if side == OrderSideBuy {
			return ls[i].Price.LessThanOrEqual(price)
		}
		return ls[i].Price.GreaterThanOrEqual(price)
	})
	if i < len(ls) && ls[i].Price.Equal(price) {
		return ls[i]
	}

	level := NewPriceLevel(price)
	ls = append(ls, nil)
	copy(ls[i+1:], ls[i:])
	ls[i] = level
	*levels = ls
	return level
}

func (b *OrderBook) dropLevel(side OrderSide, level *PriceLevel) {
	levels := &b.asks
	if side == OrderSideBuy {
		levels = &b.bids
	}
	for i, l := range *levels {
		if l == level {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
			return
		}
	}
}
