package repo

import (
	"context"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BarRepo interface {
	Upsert(ctx context.Context, bars []entity.PriceBar) error
	FindRange(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error)
	// FindLatest 该标的最近一根K线, 任意粒度
	FindLatest(ctx context.Context, instrument, exchange string) (entity.PriceBar, error)
}

type barRepo struct {
	db *gorm.DB
}

func NewBarRepo(db *gorm.DB) BarRepo {
	return &barRepo{
		db: db,
	}
}

// Upsert 已存在的K线保持不变 (写入后不可变)
func (r *barRepo) Upsert(ctx context.Context, bars []entity.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "record_time"}, {Name: "instrument"}, {Name: "exchange"}, {Name: "granularity"},
		},
		DoNothing: true,
	}).CreateInBatches(bars, 500).Error
}

func (r *barRepo) FindLatest(ctx context.Context, instrument, exchange string) (entity.PriceBar, error) {
	var bar entity.PriceBar
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND exchange = ?", instrument, exchange).
		Order("record_time DESC").
		First(&bar).Error
	if err != nil {
		return entity.PriceBar{}, err
	}
	return bar, nil
}

func (r *barRepo) FindRange(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) ([]entity.PriceBar, error) {
	var bars []entity.PriceBar
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND exchange = ? AND granularity = ?", instrument, exchange, granularity).
		Where("record_time >= ? AND record_time <= ?", start, end).
		Order("record_time ASC").
		Find(&bars).Error
	if err != nil {
		return nil, err
	}
	return bars, nil
}
