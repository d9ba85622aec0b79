package repo

import (
	"context"
	"errors"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
)

type TaskRepo interface {
	// CreateChain 按顺序落库并用自增 id 串联 previous_task_id
	CreateChain(ctx context.Context, tasks []entity.StrategyExecutionTask) ([]int64, error)
	FindById(ctx context.Context, id int64) (entity.StrategyExecutionTask, error)
	FindByDetail(ctx context.Context, detailId int64) ([]entity.StrategyExecutionTask, error)
	// FindDue 已到交易日且可执行的任务
	FindDue(ctx context.Context, day time.Time, limit int) ([]entity.StrategyExecutionTask, error)
	Claim(ctx context.Context, id int64) (bool, error)
	// Complete 一个事务内: 写入产出(幂等), running -> completed, 回填并唤醒后继任务
	Complete(ctx context.Context, task entity.StrategyExecutionTask, output entity.StrategyExecutionTaskOutput) error
	Fail(ctx context.Context, id int64, errMsg string) error
	// BlockDownstream 任务失败后冻结链上尚未执行的后续任务
	BlockDownstream(ctx context.Context, detailId int64) (int64, error)
	Transition(ctx context.Context, id int64, from, to entity.Status) (bool, error)
	// Requeue watcher 回收僵尸任务, 超出重试预算则直接失败
	Requeue(ctx context.Context, id int64, maxRetry int) (requeued bool, err error)
	FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyExecutionTask, error)
	CountNonTerminal(ctx context.Context, detailId int64) (int64, error)
	CountByStatus(ctx context.Context, detailId int64, status entity.Status) (int64, error)
	FindOutput(ctx context.Context, taskId int64) (entity.StrategyExecutionTaskOutput, error)
	FindOutputsByDetail(ctx context.Context, detailId int64) ([]entity.StrategyExecutionTaskOutput, error)
	// InjectCloseAndSkip 止损/止盈: 同一事务插入平仓任务并跳过剩余排期,
	// 链上有 running 任务时返回 ErrChainBusy
	InjectCloseAndSkip(ctx context.Context, closeTask entity.StrategyExecutionTask, skipIds []int64) (int64, error)
	// SkipTasks 未执行的任务直接置为 skipped
	SkipTasks(ctx context.Context, ids []int64) (int64, error)
}

type taskRepo struct {
	db *gorm.DB
}

func NewTaskRepo(db *gorm.DB) TaskRepo {
	return &taskRepo{
		db: db,
	}
}

func (r *taskRepo) CreateChain(ctx context.Context, tasks []entity.StrategyExecutionTask) ([]int64, error) {
	ids := make([]int64, 0, len(tasks))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prevId int64
		for i := range tasks {
			tasks[i].PreviousTaskId = prevId
			if err := tx.Create(&tasks[i]).Error; err != nil {
				return err
			}
			prevId = tasks[i].Id
			ids = append(ids, tasks[i].Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *taskRepo) FindById(ctx context.Context, id int64) (entity.StrategyExecutionTask, error) {
	var task entity.StrategyExecutionTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		return entity.StrategyExecutionTask{}, err
	}
	return task, nil
}

func (r *taskRepo) FindByDetail(ctx context.Context, detailId int64) ([]entity.StrategyExecutionTask, error) {
	var tasks []entity.StrategyExecutionTask
	err := r.db.WithContext(ctx).
		Where("execution_detail_id = ?", detailId).
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindDue queued 状态即代表前驱已提交产出 (由 Complete 唤醒),
// 所以这里只需要按交易日过滤
func (r *taskRepo) FindDue(ctx context.Context, day time.Time, limit int) ([]entity.StrategyExecutionTask, error) {
	var tasks []entity.StrategyExecutionTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND day_of_execution <= ?", entity.StatusQueued, day).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) transition(tx *gorm.DB, id int64, from, to entity.Status, extra map[string]any) (bool, error) {
	if !entity.ValidTaskTransition(from, to) {
		return false, ErrInvalidTransition
	}
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&entity.StrategyExecutionTask{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepo) Transition(ctx context.Context, id int64, from, to entity.Status) (bool, error) {
	return r.transition(r.db.WithContext(ctx), id, from, to, nil)
}

func (r *taskRepo) Claim(ctx context.Context, id int64) (bool, error) {
	return r.transition(r.db.WithContext(ctx), id, entity.StatusQueued, entity.StatusRunning, nil)
}

func (r *taskRepo) Complete(ctx context.Context, task entity.StrategyExecutionTask, output entity.StrategyExecutionTaskOutput) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 幂等检查: 产出只允许写入一次
		var count int64
		if err := tx.Model(&entity.StrategyExecutionTaskOutput{}).
			Where("task_id = ?", task.Id).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateOutput
		}

		output.TaskId = task.Id
		if err := tx.Create(&output).Error; err != nil {
			return err
		}

		now := time.Now()
		ok, err := r.transition(tx, task.Id, entity.StatusRunning, entity.StatusCompleted, map[string]any{
			"executed_at":        &now,
			"price_during_order": output.PricePerShare,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}

		// 回填后继任务承接的资金与持仓, pending -> queued
		var next entity.StrategyExecutionTask
		err = tx.Where("previous_task_id = ? AND execution_detail_id = ?", task.Id, task.ExecutionDetailId).
			First(&next).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // 链尾
			}
			return err
		}
		if next.Status != entity.StatusPending {
			return nil // 已被 watcher 跳过或冻结
		}
		return tx.Model(&entity.StrategyExecutionTask{}).
			Where("id = ? AND status = ?", next.Id, entity.StatusPending).
			Updates(map[string]any{
				"status":         entity.StatusQueued,
				"current_money":  output.MoneyRemaining,
				"current_shares": output.CarriedShares(task.OrderType),
				"updated_at":     time.Now(),
			}).Error
	})
}

func (r *taskRepo) Fail(ctx context.Context, id int64, errMsg string) error {
	now := time.Now()
	_, err := r.transition(r.db.WithContext(ctx), id, entity.StatusRunning, entity.StatusFailed, map[string]any{
		"error_message": errMsg,
		"executed_at":   &now,
	})
	return err
}

func (r *taskRepo) BlockDownstream(ctx context.Context, detailId int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&entity.StrategyExecutionTask{}).
		Where("execution_detail_id = ? AND status IN ?", detailId, []entity.Status{
			entity.StatusPending, entity.StatusQueued,
		}).
		Updates(map[string]any{"status": entity.StatusBlocked, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (r *taskRepo) Requeue(ctx context.Context, id int64, maxRetry int) (bool, error) {
	task, err := r.FindById(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status != entity.StatusRunning {
		return false, nil
	}
	if task.RetryCount >= maxRetry {
		now := time.Now()
		_, err = r.transition(r.db.WithContext(ctx), id, entity.StatusRunning, entity.StatusFailed, map[string]any{
			"error_message": "retry budget exhausted",
			"executed_at":   &now,
		})
		return false, err
	}
	return r.transition(r.db.WithContext(ctx), id, entity.StatusRunning, entity.StatusQueued, map[string]any{
		"retry_count": task.RetryCount + 1,
	})
}

func (r *taskRepo) FindStuckRunning(ctx context.Context, before time.Time) ([]entity.StrategyExecutionTask, error) {
	var tasks []entity.StrategyExecutionTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", entity.StatusRunning, before).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) CountNonTerminal(ctx context.Context, detailId int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.StrategyExecutionTask{}).
		Where("execution_detail_id = ?", detailId).
		Where("status NOT IN ?", []entity.Status{
			entity.StatusCompleted, entity.StatusFailed, entity.StatusCancelled, entity.StatusSkipped,
		}).
		Count(&count).Error
	return count, err
}

func (r *taskRepo) CountByStatus(ctx context.Context, detailId int64, status entity.Status) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.StrategyExecutionTask{}).
		Where("execution_detail_id = ? AND status = ?", detailId, status).
		Count(&count).Error
	return count, err
}

func (r *taskRepo) FindOutput(ctx context.Context, taskId int64) (entity.StrategyExecutionTaskOutput, error) {
	var output entity.StrategyExecutionTaskOutput
	err := r.db.WithContext(ctx).Where("task_id = ?", taskId).First(&output).Error
	if err != nil {
		return entity.StrategyExecutionTaskOutput{}, err
	}
	return output, nil
}

func (r *taskRepo) FindOutputsByDetail(ctx context.Context, detailId int64) ([]entity.StrategyExecutionTaskOutput, error) {
	var outputs []entity.StrategyExecutionTaskOutput
	err := r.db.WithContext(ctx).
		Joins("JOIN strategy_execution_tasks t ON t.id = strategy_execution_task_outputs.task_id").
		Where("t.execution_detail_id = ?", detailId).
		Order("strategy_execution_task_outputs.id ASC").
		Find(&outputs).Error
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (r *taskRepo) SkipTasks(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&entity.StrategyExecutionTask{}).
		Where("id IN ? AND status IN ?", ids, []entity.Status{
			entity.StatusPending, entity.StatusQueued, entity.StatusBlocked,
		}).
		Updates(map[string]any{"status": entity.StatusSkipped, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (r *taskRepo) InjectCloseAndSkip(ctx context.Context, closeTask entity.StrategyExecutionTask, skipIds []int64) (int64, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 在途任务会改变持仓, 注入只在链完全静止时进行
		var running int64
		err := tx.Model(&entity.StrategyExecutionTask{}).
			Where("execution_detail_id = ? AND status = ?", closeTask.ExecutionDetailId, entity.StatusRunning).
			Count(&running).Error
		if err != nil {
			return err
		}
		if running > 0 {
			return ErrChainBusy
		}
		if err = tx.Create(&closeTask).Error; err != nil {
			return err
		}
		if len(skipIds) == 0 {
			return nil
		}
		// 与平仓任务同一事务, 避免 executor 抢先执行过期排期
		return tx.Model(&entity.StrategyExecutionTask{}).
			Where("id IN ? AND status IN ?", skipIds, []entity.Status{
				entity.StatusPending, entity.StatusQueued,
			}).
			Updates(map[string]any{"status": entity.StatusSkipped, "updated_at": time.Now()}).Error
	})
	if err != nil {
		return 0, err
	}
	return closeTask.Id, nil
}
