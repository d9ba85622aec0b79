package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar 单根K线, 写入后不可变
type PriceBar struct {
	Id          int64     `gorm:"primaryKey;autoIncrement"`
	Instrument  string    `gorm:"uniqueIndex:bar_idx"`
	Exchange    string    `gorm:"uniqueIndex:bar_idx"`
	Granularity string    `gorm:"uniqueIndex:bar_idx"`
	RecordTime  time.Time `gorm:"uniqueIndex:bar_idx"`

	Open   decimal.Decimal `gorm:"type:decimal(18,4)"`
	High   decimal.Decimal `gorm:"type:decimal(18,4)"`
	Low    decimal.Decimal `gorm:"type:decimal(18,4)"`
	Close  decimal.Decimal `gorm:"type:decimal(18,4)"`
	Volume int64

	CreatedAt time.Time
}
