package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyExecution 操作员对一次 run 的激活: 模拟或实盘 + 总资金
type StrategyExecution struct {
	Id            int64  `gorm:"primaryKey;autoIncrement"`
	StrategyRunId int64  `gorm:"index"`
	Status        Status `gorm:"index"`
	StimulateMode bool

	TotalMoney       decimal.Decimal `gorm:"type:decimal(18,4)"`
	ExecDays         int             // 策略执行的交易日数, 每个交易日一买一卖
	StopLossPercent  float64         // 累计收益跌破 -sl% 时提前平仓
	EarlyExitPercent float64         // 累计收益超过 ee% 时提前止盈, 0 表示不启用

	ErrorMessage string
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// StrategyExecutionDetail 一个 StrategyResult 在 execution 中的资金分配
type StrategyExecutionDetail struct {
	Id               int64   `gorm:"primaryKey;autoIncrement"`
	ExecutionId      int64   `gorm:"uniqueIndex:detail_idx"`
	StrategyResultId int64   `gorm:"uniqueIndex:detail_idx"`
	WeightPercent    float64 // 同一 execution 下所有 weight 之和 <= 100
	Status           Status  `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
