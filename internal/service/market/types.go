package market

import (
	"context"
	"errors"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoData 区间内没有任何 K 线, 对单个组合可跳过
	ErrNoData = errors.New("market: no bars available")
	// ErrRateLimited 行情源限流, 同样按可跳过处理
	ErrRateLimited = errors.New("market: rate limited")
)

// BarSource 行情数据源, 返回按 record_time 升序的 K 线
type BarSource interface {
	FetchBars(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error)
}

// Quoter 最新成交价, 下单前的参考价来源
type Quoter interface {
	Quote(ctx context.Context, instrument, exchange string) (decimal.Decimal, error)
}
