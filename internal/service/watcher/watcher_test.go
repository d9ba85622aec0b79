package watcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/service/analytics"
	"github.com/KNICEX/strategy-agent/internal/service/notify"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixedQuoter struct {
	price decimal.Decimal
}

func (q fixedQuoter) Quote(context.Context, string, string) (decimal.Decimal, error) {
	return q.price, nil
}

type capturingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *capturingNotifier) Notify(_ context.Context, alert notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *capturingNotifier) byMessage(message string) []notify.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return lo.Filter(n.alerts, func(a notify.Alert, _ int) bool {
		return a.Message == message
	})
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repo.InitTables(db))
	return db
}

func newTestWatcher(db *gorm.DB, price decimal.Decimal) (*Watcher, *capturingNotifier) {
	notifier := &capturingNotifier{}
	executionRepo := repo.NewExecutionRepo(db)
	detailRepo := repo.NewDetailRepo(db)
	taskRepo := repo.NewTaskRepo(db)
	w := NewWatcher(
		repo.NewRunRepo(db),
		executionRepo,
		detailRepo,
		taskRepo,
		fixedQuoter{price: price},
		analytics.NewAnalyzer(executionRepo, detailRepo, taskRepo),
		notifier,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config{TaskTimeout: 10 * time.Minute, ClaimTimeout: 30 * time.Minute, MaxRetry: 3},
	)
	w.now = func() time.Time {
		return time.Date(2026, 1, 8, 12, 0, 0, 0, time.UTC)
	}
	return w, notifier
}

// seedExecution 一个 running execution + running detail, 任务链由调用方补齐
func seedExecution(t *testing.T, db *gorm.DB, stopLoss, earlyExit float64) (executionId, detailId int64) {
	t.Helper()
	ctx := context.Background()
	executionRepo := repo.NewExecutionRepo(db)
	detailRepo := repo.NewDetailRepo(db)

	executionId, err := executionRepo.Create(ctx, entity.StrategyExecution{
		Status:           entity.StatusQueued,
		StimulateMode:    true,
		TotalMoney:       decimal.NewFromInt(10000),
		ExecDays:         3,
		StopLossPercent:  stopLoss,
		EarlyExitPercent: earlyExit,
	}, []entity.StrategyExecutionDetail{
		{StrategyResultId: 1, WeightPercent: 100, Status: entity.StatusQueued},
	})
	require.NoError(t, err)
	claimed, err := executionRepo.Claim(ctx, executionId)
	require.NoError(t, err)
	require.True(t, claimed)

	details, err := detailRepo.FindByExecution(ctx, executionId)
	require.NoError(t, err)
	detailId = details[0].Id
	_, err = detailRepo.Transition(ctx, detailId, entity.StatusQueued, entity.StatusRunning)
	require.NoError(t, err)
	return executionId, detailId
}

func seedChain(t *testing.T, db *gorm.DB, detailId int64, days int) []entity.StrategyExecutionTask {
	t.Helper()
	ctx := context.Background()
	taskRepo := repo.NewTaskRepo(db)
	day := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	var chain []entity.StrategyExecutionTask
	for d := 0; d < days; d++ {
		buy := entity.StrategyExecutionTask{
			ExecutionDetailId: detailId,
			DayOfExecution:    day,
			TimeOfExecution:   "09:30",
			OrderType:         entity.OrderTypeBuy,
			Instrument:        "INFY", Exchange: "NSE",
			StimulateMode: true,
			Status:        entity.StatusPending,
		}
		sell := buy
		sell.TimeOfExecution = "14:30"
		sell.OrderType = entity.OrderTypeSell
		if d == 0 {
			buy.Status = entity.StatusQueued
			buy.CurrentMoney = decimal.NewFromInt(10000)
		}
		chain = append(chain, buy, sell)
		day = day.AddDate(0, 0, 1)
	}
	ids, err := taskRepo.CreateChain(ctx, chain)
	require.NoError(t, err)
	tasks, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	require.Len(t, tasks, len(ids))
	return tasks
}

// backdate 把指定任务的 updated_at 拨回一小时前, 模拟僵尸认领
func backdate(t *testing.T, db *gorm.DB, taskId int64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Exec(
		"UPDATE strategy_execution_tasks SET updated_at = ? WHERE id = ?",
		at, taskId).Error)
}

func TestReclaimStuckTaskWithinBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, detailId := seedExecution(t, db, 0, 0)
	tasks := seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)

	w, notifier := newTestWatcher(db, decimal.NewFromInt(150))
	backdate(t, db, tasks[0].Id, w.now().Add(-time.Hour))
	require.NoError(t, w.Run(ctx))

	head, err := taskRepo.FindById(ctx, tasks[0].Id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, head.Status)
	assert.Equal(t, 1, head.RetryCount)

	alerts := notifier.byMessage("stuck task requeued")
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.LevelWarning, alerts[0].Level)
}

func TestReclaimStuckTaskBudgetExhausted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, detailId := seedExecution(t, db, 0, 0)
	tasks := seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, db.Exec(
		"UPDATE strategy_execution_tasks SET retry_count = 3 WHERE id = ?",
		tasks[0].Id).Error)

	w, notifier := newTestWatcher(db, decimal.NewFromInt(150))
	backdate(t, db, tasks[0].Id, w.now().Add(-time.Hour))
	require.NoError(t, w.Run(ctx))

	head, err := taskRepo.FindById(ctx, tasks[0].Id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, head.Status)
	assert.Contains(t, head.ErrorMessage, "retry budget exhausted")

	// 下游先被冻结, 同一轮的收敛又把它们转成 skipped
	rest, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	for _, task := range rest[1:] {
		assert.Equal(t, entity.StatusSkipped, task.Status)
	}

	detail, err := repo.NewDetailRepo(db).FindById(ctx, detailId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, detail.Status)

	alerts := notifier.byMessage("stuck task failed, retry budget exhausted")
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.LevelCritical, alerts[0].Level)
}

func TestStopLossInjectsCloseTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, detailId := seedExecution(t, db, 5, 0)
	tasks := seedChain(t, db, detailId, 3)
	taskRepo := repo.NewTaskRepo(db)

	// 首日买入已结算: 10000 进场, 买到 66 股 @150, 余 100
	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	head := tasks[0]
	head.Status = entity.StatusRunning
	require.NoError(t, taskRepo.Complete(ctx, head, entity.StrategyExecutionTaskOutput{
		OrderId:        "SIM-1",
		SharesBought:   66,
		PricePerShare:  decimal.NewFromInt(150),
		TotalAmount:    decimal.NewFromInt(9900),
		MoneyProvided:  decimal.NewFromInt(10000),
		MoneyRemaining: decimal.NewFromInt(100),
	}))

	// 现价 100: 市值 100 + 66*100 = 6700, 收益 -33% < -5% 触发止损
	w, notifier := newTestWatcher(db, decimal.NewFromInt(100))
	require.NoError(t, w.Run(ctx))

	all, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	require.Len(t, all, 7)

	closeTask := all[6]
	assert.Equal(t, entity.OrderTypeSell, closeTask.OrderType)
	assert.Equal(t, entity.StatusQueued, closeTask.Status)
	assert.Equal(t, int64(66), closeTask.CurrentShares)
	assert.True(t, closeTask.CurrentMoney.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, tasks[0].Id, closeTask.PreviousTaskId)
	assert.Equal(t, "14:30", closeTask.TimeOfExecution)

	// 原排期全部跳过, 只留平仓任务
	for _, task := range all[1:6] {
		assert.Equal(t, entity.StatusSkipped, task.Status)
	}

	alerts := notifier.byMessage("risk rule triggered")
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.LevelCritical, alerts[0].Level)
	assert.Equal(t, "stop_loss", alerts[0].Fields["reason"])
}

func TestRiskRuleNotTriggeredWithinBounds(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, detailId := seedExecution(t, db, 5, 10)
	tasks := seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	head := tasks[0]
	head.Status = entity.StatusRunning
	require.NoError(t, taskRepo.Complete(ctx, head, entity.StrategyExecutionTaskOutput{
		OrderId:        "SIM-1",
		SharesBought:   66,
		PricePerShare:  decimal.NewFromInt(150),
		TotalAmount:    decimal.NewFromInt(9900),
		MoneyProvided:  decimal.NewFromInt(10000),
		MoneyRemaining: decimal.NewFromInt(100),
	}))

	// 现价 150: 市值几乎不变, 不触发任何风控
	w, notifier := newTestWatcher(db, decimal.NewFromInt(150))
	require.NoError(t, w.Run(ctx))

	all, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Empty(t, notifier.byMessage("risk rule triggered"))
}

func TestSettleDetailAndFinalizeExecution(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	executionId, detailId := seedExecution(t, db, 0, 0)
	tasks := seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	// 链头失败, 剩余被冻结
	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, taskRepo.Fail(ctx, tasks[0].Id, "order rejected"))
	blocked, err := taskRepo.BlockDownstream(ctx, detailId)
	require.NoError(t, err)
	require.Equal(t, int64(3), blocked)

	// 第一轮收敛 detail, 第二轮看到终态 detail 后收敛 execution
	w, notifier := newTestWatcher(db, decimal.NewFromInt(150))
	require.NoError(t, w.Run(ctx))
	require.NoError(t, w.Run(ctx))

	// 冻结任务转为 skipped, detail 判失败, 唯一 detail 失败则 execution 失败
	all, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	for _, task := range all[1:] {
		assert.Equal(t, entity.StatusSkipped, task.Status)
	}

	detail, err := repo.NewDetailRepo(db).FindById(ctx, detailId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, detail.Status)

	execution, err := repo.NewExecutionRepo(db).FindById(ctx, executionId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "all 1 details failed")

	// 终态落定后输出资金汇总
	alerts := notifier.byMessage("execution settled")
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.LevelInfo, alerts[0].Level)
	assert.Equal(t, string(entity.StatusFailed), alerts[0].Fields["status"])
}

func TestCancelledExecutionSweepsChildren(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	executionId, detailId := seedExecution(t, db, 0, 0)
	seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	cancelled, err := repo.NewExecutionRepo(db).Cancel(ctx, executionId)
	require.NoError(t, err)
	require.True(t, cancelled)

	w, _ := newTestWatcher(db, decimal.NewFromInt(150))
	require.NoError(t, w.Run(ctx))

	// 未执行的排期整体跳过, detail 跟随父状态收敛为 cancelled
	all, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	for _, task := range all {
		assert.Equal(t, entity.StatusSkipped, task.Status)
	}
	detail, err := repo.NewDetailRepo(db).FindById(ctx, detailId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, detail.Status)
}

func TestCancelledExecutionSweepDefersWhileTaskRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	executionId, detailId := seedExecution(t, db, 0, 0)
	tasks := seedChain(t, db, detailId, 2)
	taskRepo := repo.NewTaskRepo(db)

	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	cancelled, err := repo.NewExecutionRepo(db).Cancel(ctx, executionId)
	require.NoError(t, err)
	require.True(t, cancelled)

	// 链上还有 running 任务, 清扫这一轮不动手
	w, _ := newTestWatcher(db, decimal.NewFromInt(150))
	require.NoError(t, w.Run(ctx))

	head, err := taskRepo.FindById(ctx, tasks[0].Id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, head.Status)
	detail, err := repo.NewDetailRepo(db).FindById(ctx, detailId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, detail.Status)
}

func TestRiskBreachDeferredWhileTaskRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, detailId := seedExecution(t, db, 5, 0)
	tasks := seedChain(t, db, detailId, 3)
	taskRepo := repo.NewTaskRepo(db)

	claimed, err := taskRepo.Claim(ctx, tasks[0].Id)
	require.NoError(t, err)
	require.True(t, claimed)
	head := tasks[0]
	head.Status = entity.StatusRunning
	require.NoError(t, taskRepo.Complete(ctx, head, entity.StrategyExecutionTaskOutput{
		OrderId:        "SIM-1",
		SharesBought:   66,
		PricePerShare:  decimal.NewFromInt(150),
		TotalAmount:    decimal.NewFromInt(9900),
		MoneyProvided:  decimal.NewFromInt(10000),
		MoneyRemaining: decimal.NewFromInt(100),
	}))

	// 次日卖出已被 executor 认领, 止损这一轮必须让路
	claimed, err = taskRepo.Claim(ctx, tasks[1].Id)
	require.NoError(t, err)
	require.True(t, claimed)

	w, notifier := newTestWatcher(db, decimal.NewFromInt(100))
	require.NoError(t, w.Run(ctx))

	all, err := taskRepo.FindByDetail(ctx, detailId)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Empty(t, notifier.byMessage("risk rule triggered"))
	for _, task := range all[2:] {
		assert.Equal(t, entity.StatusPending, task.Status)
	}
}

func TestPlannerDiedRequeuesExecution(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	executionId, _ := seedExecution(t, db, 0, 0)

	// detail 退回 queued, execution 认领时间拨回一小时前, 规划器视为已死
	require.NoError(t, db.Exec(
		"UPDATE strategy_execution_details SET status = ? WHERE execution_id = ?",
		entity.StatusQueued, executionId).Error)
	w, notifier := newTestWatcher(db, decimal.NewFromInt(150))
	require.NoError(t, db.Exec(
		"UPDATE strategy_executions SET updated_at = ? WHERE id = ?",
		w.now().Add(-time.Hour), executionId).Error)

	require.NoError(t, w.Run(ctx))

	execution, err := repo.NewExecutionRepo(db).FindById(ctx, executionId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, execution.Status)
	require.Len(t, notifier.byMessage("stuck execution requeued"), 1)
}
