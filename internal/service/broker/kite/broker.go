package kite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KNICEX/strategy-agent/internal/service/broker"
	"github.com/shopspring/decimal"
)

var _ broker.Service = (*Broker)(nil)

const timestampLayout = "2006-01-02 15:04:05"

// Broker 经纪商中间层的下单接口, 市价单 + 等待终态回报
type Broker struct {
	baseURL string
	cli     *http.Client
}

func NewBroker(baseURL string, timeout time.Duration) *Broker {
	return &Broker{
		baseURL: baseURL,
		cli:     &http.Client{Timeout: timeout},
	}
}

type buyReq struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	MoneyQuantity float64 `json:"money_quantity"`
}

type sellReq struct {
	Symbol        string `json:"symbol"`
	Exchange      string `json:"exchange"`
	ShareQuantity int64  `json:"share_quantity"`
}

type orderResp struct {
	Success           bool    `json:"success"`
	Error             string  `json:"error"`
	Status            string  `json:"status"`
	OrderId           string  `json:"order_id"`
	SharesBought      int64   `json:"shares_bought"`
	SharesSold        int64   `json:"shares_sold"`
	PricePerShare     float64 `json:"price_per_share"`
	TotalAmount       float64 `json:"total_amount"`
	MoneyProvided     float64 `json:"money_provided"`
	MoneyRemaining    float64 `json:"money_remaining"`
	OrderTimestamp    string  `json:"order_timestamp"`
	ExchangeTimestamp string  `json:"exchange_timestamp"`
}

func (b *Broker) Buy(ctx context.Context, req broker.OrderReq) (broker.OrderResult, error) {
	resp, err := b.post(ctx, "/order/buy", buyReq{
		Symbol:        req.Instrument,
		Exchange:      req.Exchange,
		MoneyQuantity: req.Money.InexactFloat64(),
	})
	if err != nil {
		return broker.OrderResult{}, err
	}
	result := convert(resp)
	result.Shares = resp.SharesBought
	return result, nil
}

func (b *Broker) Sell(ctx context.Context, req broker.OrderReq) (broker.OrderResult, error) {
	resp, err := b.post(ctx, "/order/sell", sellReq{
		Symbol:        req.Instrument,
		Exchange:      req.Exchange,
		ShareQuantity: req.Shares,
	})
	if err != nil {
		return broker.OrderResult{}, err
	}
	result := convert(resp)
	result.Shares = resp.SharesSold
	// 卖出回报不带资金字段, 由调用方结合链上余款结算
	result.MoneyRemaining = result.TotalAmount
	return result, nil
}

func (b *Broker) post(ctx context.Context, path string, payload any) (orderResp, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return orderResp{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return orderResp{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := b.cli.Do(req)
	if err != nil {
		return orderResp{}, fmt.Errorf("call broker middleware: %w", err)
	}
	defer httpResp.Body.Close()

	var resp orderResp
	if err = json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return orderResp{}, fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Success {
		if resp.Status == "REJECTED" || resp.Status == "CANCELLED" {
			return orderResp{}, fmt.Errorf("%w: %s", broker.ErrOrderRejected, resp.Error)
		}
		return orderResp{}, fmt.Errorf("broker middleware: %s", resp.Error)
	}
	return resp, nil
}

func convert(resp orderResp) broker.OrderResult {
	return broker.OrderResult{
		OrderId:        resp.OrderId,
		PricePerShare:  decimal.NewFromFloat(resp.PricePerShare),
		TotalAmount:    decimal.NewFromFloat(resp.TotalAmount),
		MoneyProvided:  decimal.NewFromFloat(resp.MoneyProvided),
		MoneyRemaining: decimal.NewFromFloat(resp.MoneyRemaining),
		OrderTime:      parseTimestamp(resp.OrderTimestamp),
		ExchangeTime:   parseTimestamp(resp.ExchangeTimestamp),
	}
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
