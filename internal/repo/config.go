package repo

import (
	"context"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConfigRepo interface {
	// FindAll parameter -> value, 供运行配置补缺省值
	FindAll(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, parameter, value string) error
}

type configRepo struct {
	db *gorm.DB
}

func NewConfigRepo(db *gorm.DB) ConfigRepo {
	return &configRepo{
		db: db,
	}
}

func (r *configRepo) FindAll(ctx context.Context) (map[string]string, error) {
	var rows []entity.DefaultStrategyConfig
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	defaults := make(map[string]string, len(rows))
	for _, row := range rows {
		defaults[row.Parameter] = row.Value
	}
	return defaults, nil
}

func (r *configRepo) Upsert(ctx context.Context, parameter, value string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "parameter"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&entity.DefaultStrategyConfig{
		Parameter: parameter,
		Value:     value,
	}).Error
}
