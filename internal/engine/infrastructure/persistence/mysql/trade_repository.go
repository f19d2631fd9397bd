package mysql

import (
	"context"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"gorm.io/gorm"
)

type tradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(db *gorm.DB) domain.TradeRepository {
	return &tradeRepository{db: db}
}

func (r *tradeRepository) Save(ctx context.Context, trade *domain.Trade) error {
	return r.db.WithContext(ctx).Create(trade).Error
}

func (r *tradeRepository) GetLatestTrades(ctx context.Context, market string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []*domain.Trade
	err := r.db.WithContext(ctx).
		Where("market = ?", market).
		Order("executed_at desc").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}
