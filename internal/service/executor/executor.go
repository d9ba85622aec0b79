package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/schedule"
	"github.com/KNICEX/strategy-agent/internal/service/broker"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/KNICEX/strategy-agent/pkg/tradingday"
	"github.com/shopspring/decimal"
)

var _ schedule.Task = (*Executor)(nil)

// Executor 认领到期任务并下单, 模拟盘任务只走本地合成成交
type Executor struct {
	taskRepo      repo.TaskRepo
	detailRepo    repo.DetailRepo
	executionRepo repo.ExecutionRepo
	liveBroker    broker.Service
	simBroker     broker.Service
	quoter        market.Quoter
	logger        *slog.Logger

	batchSize    int
	orderRetries int
	now          func() time.Time
}

func NewExecutor(
	taskRepo repo.TaskRepo,
	detailRepo repo.DetailRepo,
	executionRepo repo.ExecutionRepo,
	liveBroker broker.Service,
	simBroker broker.Service,
	quoter market.Quoter,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		taskRepo:      taskRepo,
		detailRepo:    detailRepo,
		executionRepo: executionRepo,
		liveBroker:    liveBroker,
		simBroker:     simBroker,
		quoter:        quoter,
		logger:        logger,
		batchSize:     20,
		orderRetries:  3,
		now:           time.Now,
	}
}

func (e *Executor) Name() string {
	return "task-executor"
}

func (e *Executor) Run(ctx context.Context) error {
	today := tradingday.Truncate(e.now())
	tasks, err := e.taskRepo.FindDue(ctx, today, e.batchSize)
	if err != nil {
		return fmt.Errorf("find due tasks: %w", err)
	}
	executed := 0
	for _, task := range tasks {
		claimed, err := e.taskRepo.Claim(ctx, task.Id)
		if err != nil {
			return fmt.Errorf("claim task %d: %w", task.Id, err)
		}
		if !claimed {
			continue
		}
		task.Status = entity.StatusRunning
		e.execute(ctx, task)
		executed++
	}
	if executed == 0 {
		return schedule.ErrNoWork
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, task entity.StrategyExecutionTask) {
	logger := e.logger.With(
		slog.Int64("task", task.Id),
		slog.String("order_type", string(task.OrderType)),
		slog.String("instrument", task.Instrument))

	cancelled, err := e.executionCancelled(ctx, task)
	if err != nil {
		logger.Error("load parent state failed", slog.Any("err", err))
		e.fail(ctx, task, err, logger)
		return
	}
	if cancelled {
		// 取消后不再推进, 在途任务就地收尾, 剩余排期冻结等 watcher 清扫
		logger.Info("execution cancelled, settle task")
		e.fail(ctx, task, errors.New("execution cancelled"), logger)
		e.finalizeDetail(ctx, task.ExecutionDetailId, logger)
		return
	}

	output, err := e.placeOrder(ctx, task)
	if err != nil {
		logger.Error("order failed", slog.Any("err", err))
		e.fail(ctx, task, err, logger)
		return
	}

	if output.MoneyRemaining.IsNegative() {
		e.fail(ctx, task, fmt.Errorf("negative money remaining %s", output.MoneyRemaining), logger)
		return
	}

	if err = e.taskRepo.Complete(ctx, task, output); err != nil {
		if errors.Is(err, repo.ErrDuplicateOutput) {
			// 产出已存在, 说明别的 worker 已结算过, 不重复写
			logger.Warn("output already committed")
			return
		}
		logger.Error("commit output failed", slog.Any("err", err))
		return
	}
	logger.Info("task completed",
		slog.Int64("shares", output.SharesBought),
		slog.String("money_remaining", output.MoneyRemaining.String()))

	e.finalizeDetail(ctx, task.ExecutionDetailId, logger)
}

// placeOrder 合成产出行, 资金连续性在这里保证:
// 买入后余款 = 提供资金 - 成交额, 卖出后余款 = 链上余款 + 卖出所得
func (e *Executor) placeOrder(ctx context.Context, task entity.StrategyExecutionTask) (entity.StrategyExecutionTaskOutput, error) {
	if task.OrderType == entity.OrderTypeSell && task.CurrentShares == 0 {
		// 没有持仓可卖 (买入那天资金不足), 空结算保持资金不变
		now := e.now()
		return entity.StrategyExecutionTaskOutput{
			PricePerShare:  decimal.Zero,
			TotalAmount:    decimal.Zero,
			MoneyProvided:  task.CurrentMoney,
			MoneyRemaining: task.CurrentMoney,
			OrderTime:      &now,
		}, nil
	}

	price, err := e.quoter.Quote(ctx, task.Instrument, task.Exchange)
	if err != nil {
		return entity.StrategyExecutionTaskOutput{}, fmt.Errorf("quote %s: %w", task.Instrument, err)
	}

	svc := e.liveBroker
	if task.StimulateMode {
		svc = e.simBroker
	}
	req := broker.OrderReq{
		Instrument: task.Instrument,
		Exchange:   task.Exchange,
		Money:      task.CurrentMoney,
		Shares:     task.CurrentShares,
		Price:      price,
	}

	var result broker.OrderResult
	for attempt := 0; ; attempt++ {
		if task.OrderType == entity.OrderTypeBuy {
			result, err = svc.Buy(ctx, req)
		} else {
			result, err = svc.Sell(ctx, req)
		}
		if err == nil {
			break
		}
		// 资金不足与拒单无需重试
		if errors.Is(err, broker.ErrInsufficientFunds) || errors.Is(err, broker.ErrOrderRejected) {
			return entity.StrategyExecutionTaskOutput{}, err
		}
		if attempt+1 >= e.orderRetries {
			return entity.StrategyExecutionTaskOutput{}, fmt.Errorf("after %d attempts: %w", e.orderRetries, err)
		}
	}

	output := entity.StrategyExecutionTaskOutput{
		OrderId:       result.OrderId,
		PricePerShare: result.PricePerShare,
		TotalAmount:   result.TotalAmount,
		MoneyProvided: task.CurrentMoney,
	}
	if !result.OrderTime.IsZero() {
		t := result.OrderTime
		output.OrderTime = &t
	}
	if !result.ExchangeTime.IsZero() {
		t := result.ExchangeTime
		output.ExchangeTime = &t
	}
	if task.OrderType == entity.OrderTypeBuy {
		output.SharesBought = result.Shares
		output.MoneyRemaining = task.CurrentMoney.Sub(result.TotalAmount)
	} else {
		output.MoneyRemaining = task.CurrentMoney.Add(result.TotalAmount)
	}
	return output, nil
}

func (e *Executor) fail(ctx context.Context, task entity.StrategyExecutionTask, cause error, logger *slog.Logger) {
	if err := e.taskRepo.Fail(ctx, task.Id, cause.Error()); err != nil {
		logger.Error("mark task failed error", slog.Any("err", err))
		return
	}
	// 前驱失败后链上剩余任务全部冻结, 等 watcher 或操作员处理
	blocked, err := e.taskRepo.BlockDownstream(ctx, task.ExecutionDetailId)
	if err != nil {
		logger.Error("block downstream error", slog.Any("err", err))
		return
	}
	if blocked > 0 {
		logger.Warn("downstream tasks blocked", slog.Int64("count", blocked))
	}
}

func (e *Executor) executionCancelled(ctx context.Context, task entity.StrategyExecutionTask) (bool, error) {
	detail, err := e.detailRepo.FindById(ctx, task.ExecutionDetailId)
	if err != nil {
		return false, err
	}
	execution, err := e.executionRepo.FindById(ctx, detail.ExecutionId)
	if err != nil {
		return false, err
	}
	return execution.Status == entity.StatusCancelled, nil
}

// finalizeDetail 子任务全部到达终态后结算 detail 状态
func (e *Executor) finalizeDetail(ctx context.Context, detailId int64, logger *slog.Logger) {
	nonTerminal, err := e.taskRepo.CountNonTerminal(ctx, detailId)
	if err != nil {
		logger.Error("count child tasks failed", slog.Any("err", err))
		return
	}
	if nonTerminal > 0 {
		return
	}
	failed, err := e.taskRepo.CountByStatus(ctx, detailId, entity.StatusFailed)
	if err != nil {
		logger.Error("count failed tasks failed", slog.Any("err", err))
		return
	}
	target := entity.StatusCompleted
	if failed > 0 {
		target = entity.StatusFailed
	}
	changed, err := e.detailRepo.Transition(ctx, detailId, entity.StatusRunning, target)
	if err != nil {
		logger.Error("finalize detail failed", slog.Any("err", err))
		return
	}
	if changed {
		logger.Info("detail finalized", slog.Int64("detail", detailId), slog.String("status", string(target)))
	}
}
