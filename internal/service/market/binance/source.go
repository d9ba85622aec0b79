package binance

import (
	"context"
	"strings"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/KNICEX/strategy-agent/pkg/decimalx"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

var (
	_ market.BarSource = (*Source)(nil)
	_ market.Quoter    = (*Source)(nil)
)

// Source 币安合约行情, 加密货币标的走这里而不是经纪商中间层
type Source struct {
	cli *futures.Client
}

func NewSource(cli *futures.Client) *Source {
	return &Source{cli: cli}
}

func (s *Source) FetchBars(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error) {
	svc := s.cli.NewKlinesService().
		Symbol(instrument). // 币安API使用 BTCUSDT 格式，不是 BTC/USDT
		Interval(granularity)
	if !start.IsZero() {
		svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc.EndTime(end.UnixMilli())
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Too many requests") {
			return nil, market.ErrRateLimited
		}
		return nil, err
	}
	if len(klines) == 0 {
		return nil, market.ErrNoData
	}

	bars := make([]entity.PriceBar, len(klines))
	for i, k := range klines {
		bars[i] = entity.PriceBar{
			Instrument:  instrument,
			Exchange:    exchange,
			Granularity: granularity,
			RecordTime:  time.UnixMilli(k.OpenTime),
			Open:        decimalx.MustFromString(k.Open),
			High:        decimalx.MustFromString(k.High),
			Low:         decimalx.MustFromString(k.Low),
			Close:       decimalx.MustFromString(k.Close),
			Volume:      decimalx.MustFromString(k.Volume).IntPart(),
		}
	}
	return bars, nil
}

func (s *Source) Quote(ctx context.Context, instrument, _ string) (decimal.Decimal, error) {
	prices, err := s.cli.NewListPricesService().Symbol(instrument).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if len(prices) == 0 {
		return decimal.Zero, market.ErrNoData
	}
	return decimal.NewFromString(prices[0].Price)
}
