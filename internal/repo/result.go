package repo

import (
	"context"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ResultRepo interface {
	CreateBatch(ctx context.Context, results []entity.StrategyResult) error
	FindById(ctx context.Context, id int64) (entity.StrategyResult, error)
	FindByRun(ctx context.Context, runId int64) ([]entity.StrategyResult, error)
}

type resultRepo struct {
	db *gorm.DB
}

func NewResultRepo(db *gorm.DB) ResultRepo {
	return &resultRepo{
		db: db,
	}
}

// CreateBatch 重复组合直接忽略, run 被重新认领后重放是安全的
func (r *resultRepo) CreateBatch(ctx context.Context, results []entity.StrategyResult) error {
	if len(results) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "strategy_run_id"}, {Name: "instrument"}, {Name: "exchange"},
			{Name: "x"}, {Name: "y"},
			{Name: "vertical_gap"}, {Name: "horizontal_gap"}, {Name: "continuous_days"},
		},
		DoNothing: true,
	}).CreateInBatches(results, 200).Error
}

func (r *resultRepo) FindById(ctx context.Context, id int64) (entity.StrategyResult, error) {
	var result entity.StrategyResult
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&result).Error
	if err != nil {
		return entity.StrategyResult{}, err
	}
	return result, nil
}

func (r *resultRepo) FindByRun(ctx context.Context, runId int64) ([]entity.StrategyResult, error) {
	var results []entity.StrategyResult
	err := r.db.WithContext(ctx).
		Where("strategy_run_id = ?", runId).
		Order("exceed_prob DESC, average DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
