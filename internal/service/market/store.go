package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	_ BarSource = (*StoreSource)(nil)
	_ Quoter    = (*StoreSource)(nil)
)

// StoreSource 直接读本地存储, 扫描路径只依赖已入库的行情
type StoreSource struct {
	barRepo repo.BarRepo
}

func NewStoreSource(barRepo repo.BarRepo) *StoreSource {
	return &StoreSource{barRepo: barRepo}
}

func (s *StoreSource) FetchBars(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error) {
	bars, err := s.barRepo.FindRange(ctx, instrument, exchange, granularity, start, end)
	if err != nil {
		return nil, fmt.Errorf("find bars %s:%s: %w", exchange, instrument, err)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// Quote 以最近一根K线的收盘价作为参考价, 模拟盘够用
func (s *StoreSource) Quote(ctx context.Context, instrument, exchange string) (decimal.Decimal, error) {
	bar, err := s.barRepo.FindLatest(ctx, instrument, exchange)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrNoData
		}
		return decimal.Zero, err
	}
	return bar.Close, nil
}
