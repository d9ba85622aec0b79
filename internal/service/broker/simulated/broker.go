package simulated

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KNICEX/strategy-agent/internal/service/broker"
	"github.com/shopspring/decimal"
)

var _ broker.Service = (*Broker)(nil)

// Broker 本地合成成交, 模拟盘任务全部走这里, 不触达任何外部接口
type Broker struct {
	orderSeq atomic.Int64
	now      func() time.Time
}

func NewBroker() *Broker {
	return &Broker{now: time.Now}
}

func (b *Broker) nextOrderId() string {
	return fmt.Sprintf("SIM-%d-%d", b.now().UnixMilli(), b.orderSeq.Add(1))
}

// Buy 按参考价成交, 只买整数股, 资金不足一股时报错
func (b *Broker) Buy(_ context.Context, req broker.OrderReq) (broker.OrderResult, error) {
	if req.Price.IsZero() {
		return broker.OrderResult{}, fmt.Errorf("simulated buy %s: zero reference price", req.Instrument)
	}
	shares := req.Money.Div(req.Price).IntPart()
	if shares <= 0 {
		return broker.OrderResult{}, broker.ErrInsufficientFunds
	}
	total := req.Price.Mul(decimal.NewFromInt(shares))
	now := b.now()
	return broker.OrderResult{
		OrderId:        b.nextOrderId(),
		Shares:         shares,
		PricePerShare:  req.Price,
		TotalAmount:    total,
		MoneyProvided:  req.Money,
		MoneyRemaining: req.Money.Sub(total),
		OrderTime:      now,
		ExchangeTime:   now,
	}, nil
}

func (b *Broker) Sell(_ context.Context, req broker.OrderReq) (broker.OrderResult, error) {
	if req.Shares <= 0 {
		return broker.OrderResult{}, fmt.Errorf("simulated sell %s: no shares to sell", req.Instrument)
	}
	if req.Price.IsZero() {
		return broker.OrderResult{}, fmt.Errorf("simulated sell %s: zero reference price", req.Instrument)
	}
	total := req.Price.Mul(decimal.NewFromInt(req.Shares))
	now := b.now()
	return broker.OrderResult{
		OrderId:        b.nextOrderId(),
		Shares:         req.Shares,
		PricePerShare:  req.Price,
		TotalAmount:    total,
		MoneyProvided:  decimal.Zero,
		MoneyRemaining: total,
		OrderTime:      now,
		ExchangeTime:   now,
	}, nil
}
