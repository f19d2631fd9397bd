package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade 成交记录，创建后不可变
// 成交价恒为先到挂单（resting order）的限价，保护先到方的价格时间优先权
type Trade struct {
	gorm.Model
	// 成交 ID
	TradeID string `gorm:"column:trade_id;type:varchar(32);uniqueIndex;not null" json:"trade_id"`
	// 交易对符号
	Market string `gorm:"column:market;type:varchar(40);index;not null" json:"market"`
	// 买方订单 ID
	BuyOrderID string `gorm:"column:buy_order_id;type:varchar(32);index;not null" json:"buy_order_id"`
	// 卖方订单 ID
	SellOrderID string `gorm:"column:sell_order_id;type:varchar(32);index;not null" json:"sell_order_id"`
	// 先到挂单方订单 ID
	RestingOrderID string `gorm:"column:resting_order_id;type:varchar(32);not null" json:"resting_order_id"`
	// 成交数量（基础资产计）
	AmountIn decimal.Decimal `gorm:"column:amount_in;type:decimal(30,8);not null" json:"amount_in"`
	// 成交价
	Price decimal.Decimal `gorm:"column:price;type:decimal(30,8);not null" json:"price"`
	// 成交时间（纳秒时间戳）
	ExecutedAt int64 `gorm:"column:executed_at;type:bigint;not null" json:"executed_at"`
}

// TableName 指定表名
func (Trade) TableName() string {
	return "trades"
}

// TradeRepository 成交记录仓储接口
type TradeRepository interface {
	// 保存成交记录
	Save(ctx context.Context, trade *Trade) error
	// 获取交易对最近成交
	GetLatestTrades(ctx context.Context, market string, limit int) ([]*Trade, error)
}
