package repo

import (
	"context"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
)

type DetailRepo interface {
	FindByExecution(ctx context.Context, executionId int64) ([]entity.StrategyExecutionDetail, error)
	FindById(ctx context.Context, id int64) (entity.StrategyExecutionDetail, error)
	Transition(ctx context.Context, id int64, from, to entity.Status) (bool, error)
	// CountNonTerminal execution 下尚未终态的 detail 数
	CountNonTerminal(ctx context.Context, executionId int64) (int64, error)
	CountByStatus(ctx context.Context, executionId int64, status entity.Status) (int64, error)
	// FindOrphanedActive 父 execution 已终态但自身仍未终态的 detail,
	// watcher 据此收敛被取消/失败执行留下的孤儿
	FindOrphanedActive(ctx context.Context, limit int) ([]entity.StrategyExecutionDetail, error)
}

type detailRepo struct {
	db *gorm.DB
}

func NewDetailRepo(db *gorm.DB) DetailRepo {
	return &detailRepo{
		db: db,
	}
}

func (r *detailRepo) FindByExecution(ctx context.Context, executionId int64) ([]entity.StrategyExecutionDetail, error) {
	var details []entity.StrategyExecutionDetail
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionId).
		Order("id ASC").
		Find(&details).Error
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (r *detailRepo) FindById(ctx context.Context, id int64) (entity.StrategyExecutionDetail, error) {
	var detail entity.StrategyExecutionDetail
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&detail).Error
	if err != nil {
		return entity.StrategyExecutionDetail{}, err
	}
	return detail, nil
}

func (r *detailRepo) Transition(ctx context.Context, id int64, from, to entity.Status) (bool, error) {
	if !entity.ValidDetailTransition(from, to) {
		return false, ErrInvalidTransition
	}
	res := r.db.WithContext(ctx).Model(&entity.StrategyExecutionDetail{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *detailRepo) CountNonTerminal(ctx context.Context, executionId int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.StrategyExecutionDetail{}).
		Where("execution_id = ?", executionId).
		Where("status NOT IN ?", []entity.Status{
			entity.StatusCompleted, entity.StatusFailed, entity.StatusCancelled,
		}).
		Count(&count).Error
	return count, err
}

func (r *detailRepo) FindOrphanedActive(ctx context.Context, limit int) ([]entity.StrategyExecutionDetail, error) {
	terminal := []entity.Status{entity.StatusCompleted, entity.StatusFailed, entity.StatusCancelled}
	var details []entity.StrategyExecutionDetail
	err := r.db.WithContext(ctx).
		Joins("JOIN strategy_executions e ON e.id = strategy_execution_details.execution_id").
		Where("e.status IN ?", terminal).
		Where("strategy_execution_details.status NOT IN ?", terminal).
		Limit(limit).
		Find(&details).Error
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (r *detailRepo) CountByStatus(ctx context.Context, executionId int64, status entity.Status) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.StrategyExecutionDetail{}).
		Where("execution_id = ? AND status = ?", executionId, status).
		Count(&count).Error
	return count, err
}
