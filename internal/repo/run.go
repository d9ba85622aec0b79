package repo

import (
	"context"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
)

type RunRepo interface {
	Create(ctx context.Context, run entity.StrategyRun) (int64, error)
	FindById(ctx context.Context, id int64) (entity.StrategyRun, error)
	FindByStatus(ctx context.Context, status entity.Status, limit int) ([]entity.StrategyRun, error)
	// Claim 条件更新 queued -> running, 返回是否抢到
	Claim(ctx context.Context, id int64) (bool, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	// Requeue watcher 回收卡死的 run
	Requeue(ctx context.Context, id int64) (bool, error)
	FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyRun, error)
}

type runRepo struct {
	db *gorm.DB
}

func NewRunRepo(db *gorm.DB) RunRepo {
	return &runRepo{
		db: db,
	}
}

func (r *runRepo) Create(ctx context.Context, run entity.StrategyRun) (int64, error) {
	err := r.db.WithContext(ctx).Create(&run).Error
	if err != nil {
		return 0, err
	}
	return run.Id, nil
}

func (r *runRepo) FindById(ctx context.Context, id int64) (entity.StrategyRun, error) {
	var run entity.StrategyRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		return entity.StrategyRun{}, err
	}
	return run, nil
}

func (r *runRepo) FindByStatus(ctx context.Context, status entity.Status, limit int) ([]entity.StrategyRun, error) {
	var runs []entity.StrategyRun
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *runRepo) transition(ctx context.Context, id int64, from, to entity.Status, extra map[string]any) (bool, error) {
	if !entity.ValidRunTransition(from, to) {
		return false, ErrInvalidTransition
	}
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&entity.StrategyRun{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *runRepo) Claim(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx, id, entity.StatusQueued, entity.StatusRunning, nil)
}

func (r *runRepo) Complete(ctx context.Context, id int64) error {
	_, err := r.transition(ctx, id, entity.StatusRunning, entity.StatusCompleted, nil)
	return err
}

func (r *runRepo) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := r.transition(ctx, id, entity.StatusRunning, entity.StatusFailed, map[string]any{
		"error_message": errMsg,
	})
	return err
}

func (r *runRepo) Requeue(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx, id, entity.StatusRunning, entity.StatusQueued, nil)
}

func (r *runRepo) FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyRun, error) {
	var runs []entity.StrategyRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", entity.StatusRunning, before).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
