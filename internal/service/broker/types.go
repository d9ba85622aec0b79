package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds 资金不足以买入一股
	ErrInsufficientFunds = errors.New("broker: insufficient funds")
	// ErrOrderRejected 订单被交易所拒绝或撤销
	ErrOrderRejected = errors.New("broker: order rejected")
)

// OrderReq 买入按资金下单, 卖出按股数下单,
// Price 为参考价, 模拟盘用它成交, 实盘忽略
type OrderReq struct {
	Instrument string
	Exchange   string
	Money      decimal.Decimal
	Shares     int64
	Price      decimal.Decimal
}

// OrderResult 成交回报, 与任务产出一一对应
type OrderResult struct {
	OrderId        string
	Shares         int64
	PricePerShare  decimal.Decimal
	TotalAmount    decimal.Decimal
	MoneyProvided  decimal.Decimal
	MoneyRemaining decimal.Decimal
	OrderTime      time.Time
	ExchangeTime   time.Time
}

type Service interface {
	Buy(ctx context.Context, req OrderReq) (OrderResult, error)
	Sell(ctx context.Context, req OrderReq) (OrderResult, error)
}
