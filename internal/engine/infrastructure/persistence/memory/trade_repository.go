package memory

import (
	"context"
	"sync"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
)

type tradeRepository struct {
	mu     sync.RWMutex
	trades []*domain.Trade
}

// NewTradeRepository 创建内存成交仓储
func NewTradeRepository() domain.TradeRepository {
	return &tradeRepository{}
}

func (r *tradeRepository) Save(ctx context.Context, trade *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *trade
	r.trades = append(r.trades, &clone)
	return nil
}

func (r *tradeRepository) GetLatestTrades(ctx context.Context, market string, limit int) ([]*domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Trade
	for i := len(r.trades) - 1; i >= 0; i-- {
		if r.trades[i].Market != market {
			continue
		}
		clone := *r.trades[i]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
