package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// StrategyExecutionTask 某个 detail 在某一天的一笔交易决策,
// 通过 PreviousTaskId 构成单链, 前驱未提交产出前不可执行
type StrategyExecutionTask struct {
	Id                int64     `gorm:"primaryKey;autoIncrement"`
	ExecutionDetailId int64     `gorm:"index"`
	DayOfExecution    time.Time `gorm:"index"` // 交易日 (零点)
	TimeOfExecution   string    // 日内时间点, buy 用 x, sell 用 y
	OrderType         OrderType
	Instrument        string
	Exchange          string
	StimulateMode     bool

	// 链上承接的资金与持仓, 由前驱任务的产出回填
	CurrentMoney     decimal.Decimal `gorm:"type:decimal(18,4)"`
	CurrentShares    int64
	PriceDuringOrder decimal.Decimal `gorm:"type:decimal(18,4)"`

	PreviousTaskId int64 `gorm:"index"` // 0 表示链头
	DaysRemaining  int
	RetryCount     int

	Status       Status `gorm:"index"`
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
	ExecutedAt   *time.Time
}

// IsHead 是否链头任务
func (t *StrategyExecutionTask) IsHead() bool {
	return t.PreviousTaskId == 0
}

// StrategyExecutionTaskOutput 任务结算结果, 每个任务至多一条, 写入后不可变
type StrategyExecutionTaskOutput struct {
	Id     int64 `gorm:"primaryKey;autoIncrement"`
	TaskId int64 `gorm:"uniqueIndex"`

	OrderId        string
	SharesBought   int64           // 本次买入的股数, 卖出任务为 0
	PricePerShare  decimal.Decimal `gorm:"type:decimal(18,4)"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(18,4)"`
	MoneyProvided  decimal.Decimal `gorm:"type:decimal(18,4)"`
	MoneyRemaining decimal.Decimal `gorm:"type:decimal(18,4)"`

	OrderTime    *time.Time
	ExchangeTime *time.Time
	CreatedAt    time.Time
}

// CarriedShares 执行完本任务后链上应持有的股数
func (o *StrategyExecutionTaskOutput) CarriedShares(orderType OrderType) int64 {
	if orderType == OrderTypeBuy {
		return o.SharesBought
	}
	return 0
}
