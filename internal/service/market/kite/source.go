package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/shopspring/decimal"
)

var (
	_ market.BarSource = (*Source)(nil)
	_ market.Quoter    = (*Source)(nil)
)

// Source 经纪商中间层的历史行情接口
type Source struct {
	baseURL string
	cli     *http.Client
}

func NewSource(baseURL string, timeout time.Duration) *Source {
	return &Source{
		baseURL: baseURL,
		cli:     &http.Client{Timeout: timeout},
	}
}

type candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

type historicalResp struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Candles []candle `json:"candles"`
}

func (s *Source) FetchBars(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error) {
	query := url.Values{}
	query.Set("symbol", instrument)
	query.Set("exchange", exchange)
	query.Set("interval", granularity)
	query.Set("from", start.Format(time.DateOnly))
	query.Set("to", end.Format(time.DateOnly))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/historical?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call broker middleware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, market.ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, market.ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker middleware status %d", resp.StatusCode)
	}

	var body historicalResp
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode historical response: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("broker middleware: %s", body.Error)
	}
	if len(body.Candles) == 0 {
		return nil, market.ErrNoData
	}

	bars := make([]entity.PriceBar, len(body.Candles))
	for i, c := range body.Candles {
		bars[i] = toBar(instrument, exchange, granularity, c)
	}
	return bars, nil
}

type ltpResp struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error"`
	LastPrice float64 `json:"last_price"`
}

// Quote 最新成交价 (LTP)
func (s *Source) Quote(ctx context.Context, instrument, exchange string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", instrument)
	query.Set("exchange", exchange)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/ltp?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.cli.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call broker middleware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, market.ErrRateLimited
	}
	var body ltpResp
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode ltp response: %w", err)
	}
	if !body.Success {
		return decimal.Zero, fmt.Errorf("broker middleware: %s", body.Error)
	}
	return decimal.NewFromFloat(body.LastPrice), nil
}

func toBar(instrument, exchange, granularity string, c candle) entity.PriceBar {
	return entity.PriceBar{
		Instrument:  instrument,
		Exchange:    exchange,
		Granularity: granularity,
		RecordTime:  c.Timestamp,
		Open:        decimal.NewFromFloat(c.Open),
		High:        decimal.NewFromFloat(c.High),
		Low:         decimal.NewFromFloat(c.Low),
		Close:       decimal.NewFromFloat(c.Close),
		Volume:      c.Volume,
	}
}
