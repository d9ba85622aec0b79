package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/pkg/decimalx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

func NewAnalyzer(executionRepo repo.ExecutionRepo, detailRepo repo.DetailRepo, taskRepo repo.TaskRepo) *Analyzer {
	return &Analyzer{
		executionRepo: executionRepo,
		detailRepo:    detailRepo,
		taskRepo:      taskRepo,
	}
}

// Analyzer 基于已结算的任务产出还原一次 execution 的资金表现
type Analyzer struct {
	executionRepo repo.ExecutionRepo
	detailRepo    repo.DetailRepo
	taskRepo      repo.TaskRepo
}

func (a *Analyzer) Analyze(ctx context.Context, executionId int64) (Report, error) {
	execution, err := a.executionRepo.FindById(ctx, executionId)
	if err != nil {
		return Report{}, fmt.Errorf("load execution %d: %w", executionId, err)
	}
	details, err := a.detailRepo.FindByExecution(ctx, executionId)
	if err != nil {
		return Report{}, fmt.Errorf("load details: %w", err)
	}

	report := Report{
		ExecutionId:   executionId,
		Status:        execution.Status,
		StimulateMode: execution.StimulateMode,
		TotalMoney:    execution.TotalMoney,
		GeneratedAt:   time.Now(),
	}
	for _, detail := range details {
		dr, err := a.analyzeDetail(ctx, detail)
		if err != nil {
			return Report{}, err
		}
		report.Details = append(report.Details, dr)
		report.TotalPnL = report.TotalPnL.Add(dr.PnL)
	}
	if execution.TotalMoney.IsPositive() {
		report.TotalReturnPercent = report.TotalPnL.
			Div(execution.TotalMoney).
			Mul(decimal.NewFromInt(100))
	}
	return report, nil
}

func (a *Analyzer) analyzeDetail(ctx context.Context, detail entity.StrategyExecutionDetail) (DetailReport, error) {
	tasks, err := a.taskRepo.FindByDetail(ctx, detail.Id)
	if err != nil {
		return DetailReport{}, fmt.Errorf("load chain for detail %d: %w", detail.Id, err)
	}
	outputs, err := a.taskRepo.FindOutputsByDetail(ctx, detail.Id)
	if err != nil {
		return DetailReport{}, fmt.Errorf("load outputs for detail %d: %w", detail.Id, err)
	}

	dr := DetailReport{
		DetailId: detail.Id,
		Status:   detail.Status,
	}
	if len(outputs) == 0 {
		return dr, nil
	}
	if len(tasks) > 0 {
		dr.Instrument = tasks[0].Instrument
		dr.Exchange = tasks[0].Exchange
	}

	byTask := lo.KeyBy(outputs, func(o entity.StrategyExecutionTaskOutput) int64 {
		return o.TaskId
	})

	dr.InitialMoney = outputs[0].MoneyProvided
	dr.FinalMoney = outputs[len(outputs)-1].MoneyRemaining
	dr.PnL = dr.FinalMoney.Sub(dr.InitialMoney)

	// 资金曲线按任务结算顺序推进, 用持仓成本近似在途市值
	var equity []decimal.Decimal
	var pendingBuy *entity.StrategyExecutionTaskOutput
	for _, task := range tasks {
		output, ok := byTask[task.Id]
		if !ok {
			continue
		}
		equity = append(equity, output.MoneyRemaining.Add(positionCost(task, output)))

		switch task.OrderType {
		case entity.OrderTypeBuy:
			o := output
			pendingBuy = &o
		case entity.OrderTypeSell:
			if pendingBuy == nil {
				continue
			}
			dr.RoundTrips++
			pnl := output.MoneyRemaining.Sub(pendingBuy.MoneyProvided)
			if pnl.IsPositive() {
				dr.WinningTrips++
			} else if pnl.IsNegative() {
				dr.LosingTrips++
			}
			pendingBuy = nil
		}
	}

	if dr.RoundTrips > 0 {
		dr.WinRate = decimal.NewFromInt(int64(dr.WinningTrips)).
			Div(decimal.NewFromInt(int64(dr.RoundTrips)))
	}
	dr.Equity = equity
	if len(equity) >= 2 {
		dr.EquityTrend = decimalx.Slope(equity)
	}
	return dr, nil
}

// positionCost 买入后持仓按成交额计价, 卖出与空结算任务无持仓
func positionCost(task entity.StrategyExecutionTask, output entity.StrategyExecutionTaskOutput) decimal.Decimal {
	if task.OrderType == entity.OrderTypeBuy && output.SharesBought > 0 {
		return output.TotalAmount
	}
	return decimal.Zero
}

// ========== 报告结构 ==========

// Report 一次 execution 的资金表现汇总
type Report struct {
	ExecutionId   int64
	Status        entity.Status
	StimulateMode bool

	TotalMoney         decimal.Decimal
	TotalPnL           decimal.Decimal
	TotalReturnPercent decimal.Decimal

	Details []DetailReport

	GeneratedAt time.Time
}

func (r Report) String() string {
	doc, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(doc)
}

// DetailReport 单个 detail 的交易统计
type DetailReport struct {
	DetailId   int64
	Instrument string
	Exchange   string
	Status     entity.Status

	InitialMoney decimal.Decimal
	FinalMoney   decimal.Decimal
	PnL          decimal.Decimal

	RoundTrips   int // 买卖各一次算一个来回
	WinningTrips int
	LosingTrips  int
	WinRate      decimal.Decimal

	Equity      []decimal.Decimal // 每笔结算后的账面价值
	EquityTrend decimal.Decimal   // 资金曲线拟合斜率, 正值表示整体向上
}
