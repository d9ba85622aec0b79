package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/schedule"
	"github.com/KNICEX/strategy-agent/pkg/tradingday"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var _ schedule.Task = (*Planner)(nil)

// ErrWeightOverflow 单个 execution 的权重之和超过 100
var ErrWeightOverflow = errors.New("planner: weight percent sum exceeds 100")

var hundred = decimal.NewFromInt(100)

// Planner 认领 queued 状态的 execution, 按权重分配资金并生成任务链
type Planner struct {
	executionRepo repo.ExecutionRepo
	detailRepo    repo.DetailRepo
	resultRepo    repo.ResultRepo
	taskRepo      repo.TaskRepo
	logger        *slog.Logger

	batchSize int
	now       func() time.Time
}

func NewPlanner(
	executionRepo repo.ExecutionRepo,
	detailRepo repo.DetailRepo,
	resultRepo repo.ResultRepo,
	taskRepo repo.TaskRepo,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		executionRepo: executionRepo,
		detailRepo:    detailRepo,
		resultRepo:    resultRepo,
		taskRepo:      taskRepo,
		logger:        logger,
		batchSize:     10,
		now:           time.Now,
	}
}

func (p *Planner) Name() string {
	return "execution-planner"
}

func (p *Planner) Run(ctx context.Context) error {
	executions, err := p.executionRepo.FindByStatus(ctx, entity.StatusQueued, p.batchSize)
	if err != nil {
		return fmt.Errorf("find queued executions: %w", err)
	}
	planned := 0
	for _, execution := range executions {
		claimed, err := p.executionRepo.Claim(ctx, execution.Id)
		if err != nil {
			return fmt.Errorf("claim execution %d: %w", execution.Id, err)
		}
		if !claimed {
			continue
		}
		p.plan(ctx, execution)
		planned++
	}
	if planned == 0 {
		return schedule.ErrNoWork
	}
	return nil
}

func (p *Planner) plan(ctx context.Context, execution entity.StrategyExecution) {
	logger := p.logger.With(slog.Int64("execution", execution.Id))

	details, err := p.detailRepo.FindByExecution(ctx, execution.Id)
	if err != nil {
		logger.Error("load details failed", slog.Any("err", err))
		_ = p.executionRepo.Fail(ctx, execution.Id, err.Error())
		return
	}

	if err = validate(execution, details); err != nil {
		// 违反约束是致命错误, 不创建任何任务
		logger.Error("execution rejected", slog.Any("err", err))
		_ = p.executionRepo.Fail(ctx, execution.Id, err.Error())
		return
	}

	planned := 0
	for _, detail := range details {
		if detail.Status != entity.StatusQueued {
			// execution 被重新认领时, 已排期的 detail 不重复建链
			planned++
			continue
		}
		if err = p.planDetail(ctx, execution, detail); err != nil {
			// 单个 detail 失败不拖垮兄弟 detail
			logger.Warn("plan detail failed",
				slog.Int64("detail", detail.Id),
				slog.Any("err", err))
			_, _ = p.detailRepo.Transition(ctx, detail.Id, entity.StatusQueued, entity.StatusFailed)
			continue
		}
		planned++
	}

	if planned == 0 {
		_ = p.executionRepo.Fail(ctx, execution.Id, "no detail could be planned")
		return
	}
	logger.Info("execution planned",
		slog.Int("details", planned),
		slog.Int("exec_days", execution.ExecDays))
}

func validate(execution entity.StrategyExecution, details []entity.StrategyExecutionDetail) error {
	if len(details) == 0 {
		return fmt.Errorf("execution has no details")
	}
	if execution.ExecDays < 1 {
		return fmt.Errorf("exec_days must be >= 1, got %d", execution.ExecDays)
	}
	if !execution.TotalMoney.IsPositive() {
		return fmt.Errorf("total_money must be positive, got %s", execution.TotalMoney)
	}
	totalWeight := lo.SumBy(details, func(d entity.StrategyExecutionDetail) float64 {
		return d.WeightPercent
	})
	if totalWeight > 100 {
		return fmt.Errorf("%w: %.2f", ErrWeightOverflow, totalWeight)
	}
	return nil
}

func (p *Planner) planDetail(ctx context.Context, execution entity.StrategyExecution, detail entity.StrategyExecutionDetail) error {
	result, err := p.resultRepo.FindById(ctx, detail.StrategyResultId)
	if err != nil {
		return fmt.Errorf("load result %d: %w", detail.StrategyResultId, err)
	}

	allocation := execution.TotalMoney.
		Mul(decimal.NewFromFloat(detail.WeightPercent)).
		Div(hundred)

	tasks := buildChain(execution, detail, result, allocation, p.now())
	if _, err = p.taskRepo.CreateChain(ctx, tasks); err != nil {
		return fmt.Errorf("create task chain: %w", err)
	}

	ok, err := p.detailRepo.Transition(ctx, detail.Id, entity.StatusQueued, entity.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("detail %d no longer queued", detail.Id)
	}
	return nil
}

// buildChain 每个交易日两笔: x 时刻买入, y 时刻卖出;
// 只有链头是 queued 并携带初始资金, 其余等前驱产出唤醒
func buildChain(
	execution entity.StrategyExecution,
	detail entity.StrategyExecutionDetail,
	result entity.StrategyResult,
	allocation decimal.Decimal,
	now time.Time,
) []entity.StrategyExecutionTask {
	tasks := make([]entity.StrategyExecutionTask, 0, execution.ExecDays*2)
	day := tradingday.Next(tradingday.Truncate(now), result.Exchange)
	for d := 0; d < execution.ExecDays; d++ {
		remaining := execution.ExecDays - d
		buy := entity.StrategyExecutionTask{
			ExecutionDetailId: detail.Id,
			DayOfExecution:    day,
			TimeOfExecution:   result.X,
			OrderType:         entity.OrderTypeBuy,
			Instrument:        result.Instrument,
			Exchange:          result.Exchange,
			StimulateMode:     execution.StimulateMode,
			DaysRemaining:     remaining,
			Status:            entity.StatusPending,
		}
		sell := entity.StrategyExecutionTask{
			ExecutionDetailId: detail.Id,
			DayOfExecution:    day,
			TimeOfExecution:   result.Y,
			OrderType:         entity.OrderTypeSell,
			Instrument:        result.Instrument,
			Exchange:          result.Exchange,
			StimulateMode:     execution.StimulateMode,
			DaysRemaining:     remaining,
			Status:            entity.StatusPending,
		}
		if d == 0 {
			buy.Status = entity.StatusQueued
			buy.CurrentMoney = allocation
		}
		tasks = append(tasks, buy, sell)
		day = tradingday.Next(day, result.Exchange)
	}
	return tasks
}
