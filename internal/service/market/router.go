package market

import (
	"context"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/pkg/tradingday"
	"github.com/shopspring/decimal"
)

var (
	_ BarSource = (*Router)(nil)
	_ Quoter    = (*Router)(nil)
)

// Source 行情与报价的完整数据源
type Source interface {
	BarSource
	Quoter
}

// Router 按交易所分流: NSE/BSE 走经纪商中间层, 其余走币安
type Router struct {
	indian Source
	crypto Source
}

func NewRouter(indian, crypto Source) *Router {
	return &Router{
		indian: indian,
		crypto: crypto,
	}
}

func (r *Router) pick(exchange string) Source {
	if tradingday.IsIndianExchange(exchange) {
		return r.indian
	}
	return r.crypto
}

func (r *Router) FetchBars(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error) {
	return r.pick(exchange).FetchBars(ctx, instrument, exchange, granularity, start, end)
}

func (r *Router) Quote(ctx context.Context, instrument, exchange string) (decimal.Decimal, error) {
	return r.pick(exchange).Quote(ctx, instrument, exchange)
}
