package repo

import (
	"errors"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition 状态机不允许的迁移
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateOutput 任务产出已存在, 拒绝二次写入
	ErrDuplicateOutput = errors.New("task output already exists")
	// ErrChainBusy 链上还有 running 任务, 平仓注入须等它结算
	ErrChainBusy = errors.New("chain has running task")
)

func InitTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.PriceBar{},
		&entity.StrategyRun{},
		&entity.StrategyResult{},
		&entity.StrategyExecution{},
		&entity.StrategyExecutionDetail{},
		&entity.StrategyExecutionTask{},
		&entity.StrategyExecutionTaskOutput{},
		&entity.DefaultStrategyConfig{},
	)
}
