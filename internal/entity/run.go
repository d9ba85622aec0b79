package entity

import (
	"time"
)

// StrategyRun 一次扫描请求: 标的集合 + 参数网格, config 为 JSON 文档
type StrategyRun struct {
	Id           int64  `gorm:"primaryKey;autoIncrement"`
	Config       string `gorm:"type:text"`
	Status       Status `gorm:"index"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

// StrategyResult 某个 (标的, 参数组合) 的统计结果, run 完成后冻结
type StrategyResult struct {
	Id             int64   `gorm:"primaryKey;autoIncrement"`
	StrategyRunId  int64   `gorm:"uniqueIndex:result_idx"`
	Instrument     string  `gorm:"uniqueIndex:result_idx"`
	Exchange       string  `gorm:"uniqueIndex:result_idx"`
	X              string  `gorm:"uniqueIndex:result_idx"` // 买入时间点 (日内)
	Y              string  `gorm:"uniqueIndex:result_idx"` // 卖出时间点 (日内)
	VerticalGap    float64 `gorm:"uniqueIndex:result_idx"`
	HorizontalGap  int     `gorm:"uniqueIndex:result_idx"`
	ContinuousDays int     `gorm:"uniqueIndex:result_idx"`

	ExceedProb float64 // profit_days / total_count
	ProfitDays int
	TotalCount int
	Exceeded   int // 窗口收益超过 vertical_gap 的次数, 仅用于排序
	Average    float64
	Highest    float64
	P5         float64
	P10        float64
	P20        float64
	P40        float64
	P50        float64

	CreatedAt time.Time
}

// DefaultStrategyConfig 运行配置缺省值, parameter -> 逗号分隔的值
type DefaultStrategyConfig struct {
	Id        int64  `gorm:"primaryKey;autoIncrement"`
	Parameter string `gorm:"uniqueIndex"`
	Value     string
}
