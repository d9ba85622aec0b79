package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/schedule"
	"github.com/KNICEX/strategy-agent/internal/service/analytics"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/KNICEX/strategy-agent/internal/service/notify"
	"github.com/KNICEX/strategy-agent/pkg/tradingday"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var _ schedule.Task = (*Watcher)(nil)

// Watcher 兜底组件: 回收僵尸认领, 执行止损/止盈,
// 并把父子状态的不一致收敛掉
type Watcher struct {
	runRepo       repo.RunRepo
	executionRepo repo.ExecutionRepo
	detailRepo    repo.DetailRepo
	taskRepo      repo.TaskRepo
	quoter        market.Quoter
	analyzer      *analytics.Analyzer
	notifier      notify.Notifier
	logger        *slog.Logger

	taskTimeout  time.Duration
	claimTimeout time.Duration
	maxRetry     int
	batchSize    int
	now          func() time.Time
}

type Config struct {
	// TaskTimeout running 状态超过该时长的任务视为僵尸
	TaskTimeout time.Duration
	// ClaimTimeout run/execution 层面的认领超时
	ClaimTimeout time.Duration
	// MaxRetry 单个任务的重试预算
	MaxRetry int
}

func NewWatcher(
	runRepo repo.RunRepo,
	executionRepo repo.ExecutionRepo,
	detailRepo repo.DetailRepo,
	taskRepo repo.TaskRepo,
	quoter market.Quoter,
	analyzer *analytics.Analyzer,
	notifier notify.Notifier,
	logger *slog.Logger,
	cfg Config,
) *Watcher {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Minute
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	return &Watcher{
		runRepo:       runRepo,
		executionRepo: executionRepo,
		detailRepo:    detailRepo,
		taskRepo:      taskRepo,
		quoter:        quoter,
		analyzer:      analyzer,
		notifier:      notifier,
		logger:        logger,
		taskTimeout:   cfg.TaskTimeout,
		claimTimeout:  cfg.ClaimTimeout,
		maxRetry:      cfg.MaxRetry,
		batchSize:     50,
		now:           time.Now,
	}
}

func (w *Watcher) Name() string {
	return "task-watcher"
}

func (w *Watcher) Run(ctx context.Context) error {
	w.reclaimTasks(ctx)
	w.reconcileExecutions(ctx)
	w.reconcileOrphans(ctx)
	w.reclaimRuns(ctx)
	return nil
}

// ============ 僵尸任务回收 ============

func (w *Watcher) reclaimTasks(ctx context.Context) {
	stuck, err := w.taskRepo.FindStuckRunning(ctx, w.now().Add(-w.taskTimeout))
	if err != nil {
		w.logger.Error("scan stuck tasks failed", slog.Any("err", err))
		return
	}
	for _, task := range stuck {
		requeued, err := w.taskRepo.Requeue(ctx, task.Id, w.maxRetry)
		if err != nil {
			w.logger.Error("requeue task failed", slog.Int64("task", task.Id), slog.Any("err", err))
			continue
		}
		level := notify.LevelWarning
		outcome := "requeued"
		if !requeued {
			level = notify.LevelCritical
			outcome = "failed, retry budget exhausted"
			_, _ = w.taskRepo.BlockDownstream(ctx, task.ExecutionDetailId)
		}
		w.logger.Warn("stuck task reclaimed",
			slog.Int64("task", task.Id),
			slog.String("outcome", outcome),
			slog.Int("retry_count", task.RetryCount))
		w.alert(ctx, level, fmt.Sprintf("stuck task %s", outcome), map[string]any{
			"task":       task.Id,
			"detail":     task.ExecutionDetailId,
			"instrument": task.Instrument,
		})
	}
}

// ============ execution 层收敛 ============

func (w *Watcher) reconcileExecutions(ctx context.Context) {
	executions, err := w.executionRepo.FindByStatus(ctx, entity.StatusRunning, w.batchSize)
	if err != nil {
		w.logger.Error("scan running executions failed", slog.Any("err", err))
		return
	}
	for _, execution := range executions {
		details, err := w.detailRepo.FindByExecution(ctx, execution.Id)
		if err != nil {
			w.logger.Error("load details failed", slog.Int64("execution", execution.Id), slog.Any("err", err))
			continue
		}

		// planner 认领后崩溃: 超时且一个 detail 都没排期, 放回队列重新规划
		if w.plannerDied(execution, details) {
			if ok, _ := w.executionRepo.Requeue(ctx, execution.Id); ok {
				w.logger.Warn("execution requeued", slog.Int64("execution", execution.Id))
				w.alert(ctx, notify.LevelWarning, "stuck execution requeued", map[string]any{
					"execution": execution.Id,
				})
			}
			continue
		}

		for _, detail := range details {
			if detail.Status != entity.StatusRunning {
				continue
			}
			w.enforceRiskRules(ctx, execution, detail)
			w.settleDetail(ctx, detail)
		}

		w.finalizeExecution(ctx, execution, details)
	}
}

func (w *Watcher) plannerDied(execution entity.StrategyExecution, details []entity.StrategyExecutionDetail) bool {
	if execution.UpdatedAt.After(w.now().Add(-w.claimTimeout)) {
		return false
	}
	return lo.EveryBy(details, func(d entity.StrategyExecutionDetail) bool {
		return d.Status == entity.StatusQueued
	})
}

// settleDetail 链上任务全员终态但 detail 还挂在 running 时收敛;
// 被冻结的任务先置为 skipped (前驱失败, 从未被执行过)
func (w *Watcher) settleDetail(ctx context.Context, detail entity.StrategyExecutionDetail) {
	tasks, err := w.taskRepo.FindByDetail(ctx, detail.Id)
	if err != nil {
		w.logger.Error("load chain failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
		return
	}

	active := lo.CountBy(tasks, func(t entity.StrategyExecutionTask) bool {
		return t.Status == entity.StatusPending || t.Status == entity.StatusQueued || t.Status == entity.StatusRunning
	})
	if active > 0 {
		return
	}

	blockedIds := lo.FilterMap(tasks, func(t entity.StrategyExecutionTask, _ int) (int64, bool) {
		return t.Id, t.Status == entity.StatusBlocked
	})
	if len(blockedIds) > 0 {
		if _, err = w.taskRepo.SkipTasks(ctx, blockedIds); err != nil {
			w.logger.Error("skip blocked tasks failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
			return
		}
	}

	hasFailed := lo.SomeBy(tasks, func(t entity.StrategyExecutionTask) bool {
		return t.Status == entity.StatusFailed
	})
	target := entity.StatusCompleted
	if hasFailed {
		target = entity.StatusFailed
	}
	if changed, _ := w.detailRepo.Transition(ctx, detail.Id, entity.StatusRunning, target); changed {
		w.logger.Info("detail settled",
			slog.Int64("detail", detail.Id),
			slog.String("status", string(target)))
	}
}

// reconcileOrphans 父 execution 已终态 (取消/失败) 但子层还活着的情况:
// 未执行的任务直接跳过, detail 跟随父状态收敛
func (w *Watcher) reconcileOrphans(ctx context.Context) {
	orphans, err := w.detailRepo.FindOrphanedActive(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("scan orphaned details failed", slog.Any("err", err))
		return
	}
	for _, detail := range orphans {
		execution, err := w.executionRepo.FindById(ctx, detail.ExecutionId)
		if err != nil {
			w.logger.Error("load parent execution failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
			continue
		}
		tasks, err := w.taskRepo.FindByDetail(ctx, detail.Id)
		if err != nil {
			w.logger.Error("load chain failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
			continue
		}
		// 在途任务由 executor 的取消检查或僵尸回收收尾, 下一轮再收敛
		if lo.SomeBy(tasks, func(t entity.StrategyExecutionTask) bool {
			return t.Status == entity.StatusRunning
		}) {
			continue
		}

		openIds := lo.FilterMap(tasks, func(t entity.StrategyExecutionTask, _ int) (int64, bool) {
			return t.Id, t.Status == entity.StatusPending ||
				t.Status == entity.StatusQueued ||
				t.Status == entity.StatusBlocked
		})
		if len(openIds) > 0 {
			if _, err = w.taskRepo.SkipTasks(ctx, openIds); err != nil {
				w.logger.Error("skip orphaned tasks failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
				continue
			}
		}

		target := entity.StatusFailed
		if execution.Status == entity.StatusCancelled {
			target = entity.StatusCancelled
		}
		if changed, _ := w.detailRepo.Transition(ctx, detail.Id, detail.Status, target); changed {
			w.logger.Warn("orphaned detail settled",
				slog.Int64("detail", detail.Id),
				slog.Int64("execution", execution.Id),
				slog.String("status", string(target)))
		}
	}
}

// finalizeExecution 所有 detail 终态后按聚合结果定 execution 终态,
// 部分失败不拖垮整体: 有完成的 detail 即算完成
func (w *Watcher) finalizeExecution(ctx context.Context, execution entity.StrategyExecution, details []entity.StrategyExecutionDetail) {
	if len(details) == 0 {
		return
	}
	allTerminal := lo.EveryBy(details, func(d entity.StrategyExecutionDetail) bool {
		return d.Status.IsTerminal()
	})
	if !allTerminal {
		return
	}
	completed := lo.CountBy(details, func(d entity.StrategyExecutionDetail) bool {
		return d.Status == entity.StatusCompleted
	})
	if completed > 0 {
		if err := w.executionRepo.Complete(ctx, execution.Id); err != nil {
			w.logger.Error("complete execution failed", slog.Int64("execution", execution.Id), slog.Any("err", err))
			return
		}
		w.emitReport(ctx, execution.Id)
		return
	}
	err := w.executionRepo.Fail(ctx, execution.Id,
		fmt.Sprintf("all %d details failed", len(details)))
	if err != nil {
		w.logger.Error("fail execution failed", slog.Int64("execution", execution.Id), slog.Any("err", err))
		return
	}
	w.emitReport(ctx, execution.Id)
}

// emitReport execution 收敛到终态后输出资金表现汇总
func (w *Watcher) emitReport(ctx context.Context, executionId int64) {
	report, err := w.analyzer.Analyze(ctx, executionId)
	if err != nil {
		w.logger.Error("analyze execution failed", slog.Int64("execution", executionId), slog.Any("err", err))
		return
	}
	w.logger.Info("execution report", slog.String("report", report.String()))
	w.alert(ctx, notify.LevelInfo, "execution settled", map[string]any{
		"execution":      executionId,
		"status":         string(report.Status),
		"pnl":            report.TotalPnL.String(),
		"return_percent": report.TotalReturnPercent.StringFixed(2),
	})
}

// ============ 止损 / 止盈 ============

func (w *Watcher) enforceRiskRules(ctx context.Context, execution entity.StrategyExecution, detail entity.StrategyExecutionDetail) {
	if execution.StopLossPercent <= 0 && execution.EarlyExitPercent <= 0 {
		return
	}

	tasks, err := w.taskRepo.FindByDetail(ctx, detail.Id)
	if err != nil {
		w.logger.Error("load chain failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
		return
	}
	outputs, err := w.taskRepo.FindOutputsByDetail(ctx, detail.Id)
	if err != nil || len(outputs) == 0 {
		return
	}

	position := currentPosition(tasks, outputs)
	if position == nil {
		return
	}
	initial := outputs[0].MoneyProvided
	if !initial.IsPositive() {
		return
	}

	value := position.money
	if position.shares > 0 {
		price, err := w.quoter.Quote(ctx, position.instrument, position.exchange)
		if err != nil {
			w.logger.Warn("quote for risk check failed",
				slog.String("instrument", position.instrument), slog.Any("err", err))
			return
		}
		value = value.Add(price.Mul(decimal.NewFromInt(position.shares)))
	}
	pnlPercent := value.Div(initial).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).InexactFloat64()

	stopLoss := execution.StopLossPercent > 0 && pnlPercent <= -execution.StopLossPercent
	earlyExit := execution.EarlyExitPercent > 0 && pnlPercent >= execution.EarlyExitPercent
	if !stopLoss && !earlyExit {
		return
	}
	reason := "early_exit"
	if stopLoss {
		reason = "stop_loss"
	}

	// 在途任务马上会改变持仓, 这一轮不动手, 等链静止后重评
	if lo.SomeBy(tasks, func(t entity.StrategyExecutionTask) bool {
		return t.Status == entity.StatusRunning
	}) {
		w.logger.Warn("risk breach deferred, chain busy",
			slog.Int64("detail", detail.Id),
			slog.String("reason", reason))
		return
	}

	plannedIds := lo.FilterMap(tasks, func(t entity.StrategyExecutionTask, _ int) (int64, bool) {
		return t.Id, t.Status == entity.StatusPending || t.Status == entity.StatusQueued
	})

	if position.shares == 0 {
		// 空仓触发, 无需平仓, 直接跳过剩余排期
		if _, err = w.taskRepo.SkipTasks(ctx, plannedIds); err != nil {
			w.logger.Error("skip remaining tasks failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
			return
		}
	} else {
		closeTask := w.buildCloseTask(detail.Id, *position)
		// 平仓任务与跳过必须同一事务, 避免 executor 抢先拿到过期排期
		closeId, err := w.taskRepo.InjectCloseAndSkip(ctx, closeTask, plannedIds)
		if errors.Is(err, repo.ErrChainBusy) {
			// executor 在读链和注入之间抢到了任务, 下一轮重评
			w.logger.Warn("risk breach deferred, chain busy", slog.Int64("detail", detail.Id))
			return
		}
		if err != nil {
			w.logger.Error("inject close task failed", slog.Int64("detail", detail.Id), slog.Any("err", err))
			return
		}
		w.logger.Warn("close position injected",
			slog.Int64("detail", detail.Id),
			slog.Int64("close_task", closeId),
			slog.String("reason", reason),
			slog.Float64("pnl_percent", pnlPercent))
	}

	w.alert(ctx, notify.LevelCritical, "risk rule triggered", map[string]any{
		"detail":      detail.Id,
		"execution":   execution.Id,
		"reason":      reason,
		"pnl_percent": pnlPercent,
	})
}

type positionState struct {
	instrument    string
	exchange      string
	stimulateMode bool
	money         decimal.Decimal
	shares        int64
	lastTaskId    int64
	sellTime      string
}

// currentPosition 以最后一笔已结算任务为准还原链上持仓
func currentPosition(tasks []entity.StrategyExecutionTask, outputs []entity.StrategyExecutionTaskOutput) *positionState {
	byTask := lo.KeyBy(outputs, func(o entity.StrategyExecutionTaskOutput) int64 {
		return o.TaskId
	})
	var last *entity.StrategyExecutionTask
	for i := range tasks {
		t := tasks[i]
		if t.Status != entity.StatusCompleted {
			continue
		}
		if _, ok := byTask[t.Id]; !ok {
			continue
		}
		if last == nil || t.Id > last.Id {
			last = &tasks[i]
		}
	}
	if last == nil {
		return nil
	}
	output := byTask[last.Id]

	sellTime := last.TimeOfExecution
	for _, t := range tasks {
		if t.OrderType == entity.OrderTypeSell {
			sellTime = t.TimeOfExecution
			break
		}
	}
	return &positionState{
		instrument:    last.Instrument,
		exchange:      last.Exchange,
		stimulateMode: last.StimulateMode,
		money:         output.MoneyRemaining,
		shares:        output.CarriedShares(last.OrderType),
		lastTaskId:    last.Id,
		sellTime:      sellTime,
	}
}

func (w *Watcher) buildCloseTask(detailId int64, position positionState) entity.StrategyExecutionTask {
	day := tradingday.Truncate(w.now())
	if !tradingday.IsTradingDay(day, position.exchange) {
		day = tradingday.Next(day, position.exchange)
	}
	return entity.StrategyExecutionTask{
		ExecutionDetailId: detailId,
		DayOfExecution:    day,
		TimeOfExecution:   position.sellTime,
		OrderType:         entity.OrderTypeSell,
		Instrument:        position.instrument,
		Exchange:          position.exchange,
		StimulateMode:     position.stimulateMode,
		CurrentMoney:      position.money,
		CurrentShares:     position.shares,
		PreviousTaskId:    position.lastTaskId,
		Status:            entity.StatusQueued,
	}
}

// ============ run 层回收 ============

func (w *Watcher) reclaimRuns(ctx context.Context) {
	stuck, err := w.runRepo.FindStuckRunning(ctx, w.now().Add(-w.claimTimeout))
	if err != nil {
		w.logger.Error("scan stuck runs failed", slog.Any("err", err))
		return
	}
	for _, run := range stuck {
		if ok, _ := w.runRepo.Requeue(ctx, run.Id); ok {
			w.logger.Warn("stuck run requeued", slog.Int64("run", run.Id))
			w.alert(ctx, notify.LevelWarning, "stuck run requeued", map[string]any{
				"run": run.Id,
			})
		}
	}
}

func (w *Watcher) alert(ctx context.Context, level notify.AlertLevel, message string, fields map[string]any) {
	err := w.notifier.Notify(ctx, notify.Alert{
		Level:     level,
		Source:    w.Name(),
		Message:   message,
		Fields:    fields,
		Timestamp: w.now(),
	})
	if err != nil {
		w.logger.Error("notify failed", slog.Any("err", err))
	}
}
