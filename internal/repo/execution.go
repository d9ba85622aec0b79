package repo

import (
	"context"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
)

type ExecutionRepo interface {
	Create(ctx context.Context, execution entity.StrategyExecution, details []entity.StrategyExecutionDetail) (int64, error)
	FindById(ctx context.Context, id int64) (entity.StrategyExecution, error)
	FindByStatus(ctx context.Context, status entity.Status, limit int) ([]entity.StrategyExecution, error)
	Claim(ctx context.Context, id int64) (bool, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Cancel(ctx context.Context, id int64) (bool, error)
	Requeue(ctx context.Context, id int64) (bool, error)
	FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyExecution, error)
}

type executionRepo struct {
	db *gorm.DB
}

func NewExecutionRepo(db *gorm.DB) ExecutionRepo {
	return &executionRepo{
		db: db,
	}
}

// Create execution 与其 details 必须一起落库
func (r *executionRepo) Create(ctx context.Context, execution entity.StrategyExecution, details []entity.StrategyExecutionDetail) (int64, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&execution).Error; err != nil {
			return err
		}
		for i := range details {
			details[i].ExecutionId = execution.Id
		}
		if len(details) > 0 {
			if err := tx.Create(&details).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return execution.Id, nil
}

func (r *executionRepo) FindById(ctx context.Context, id int64) (entity.StrategyExecution, error) {
	var execution entity.StrategyExecution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error
	if err != nil {
		return entity.StrategyExecution{}, err
	}
	return execution, nil
}

func (r *executionRepo) FindByStatus(ctx context.Context, status entity.Status, limit int) ([]entity.StrategyExecution, error) {
	var executions []entity.StrategyExecution
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}

func (r *executionRepo) transition(ctx context.Context, id int64, from, to entity.Status, extra map[string]any) (bool, error) {
	if !entity.ValidExecutionTransition(from, to) {
		return false, ErrInvalidTransition
	}
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&entity.StrategyExecution{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *executionRepo) Claim(ctx context.Context, id int64) (bool, error) {
	now := time.Now()
	return r.transition(ctx, id, entity.StatusQueued, entity.StatusRunning, map[string]any{
		"started_at": &now,
	})
}

func (r *executionRepo) Complete(ctx context.Context, id int64) error {
	now := time.Now()
	_, err := r.transition(ctx, id, entity.StatusRunning, entity.StatusCompleted, map[string]any{
		"completed_at": &now,
	})
	return err
}

func (r *executionRepo) Fail(ctx context.Context, id int64, errMsg string) error {
	now := time.Now()
	_, err := r.transition(ctx, id, entity.StatusRunning, entity.StatusFailed, map[string]any{
		"error_message": errMsg,
		"completed_at":  &now,
	})
	return err
}

// Cancel 操作员取消, queued 或 running 均可
func (r *executionRepo) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := r.transition(ctx, id, entity.StatusQueued, entity.StatusCancelled, nil)
	if err != nil || ok {
		return ok, err
	}
	return r.transition(ctx, id, entity.StatusRunning, entity.StatusCancelled, nil)
}

func (r *executionRepo) Requeue(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx, id, entity.StatusRunning, entity.StatusQueued, nil)
}

func (r *executionRepo) FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyExecution, error) {
	var executions []entity.StrategyExecution
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", entity.StatusRunning, before).
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}
