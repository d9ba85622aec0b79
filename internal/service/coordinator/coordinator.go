package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/schedule"
	"github.com/KNICEX/strategy-agent/internal/service/detector"
	"github.com/KNICEX/strategy-agent/internal/service/market"
)

var _ schedule.Task = (*Coordinator)(nil)

// Coordinator 认领 queued 状态的扫描请求, 跑完参数网格后落结果
type Coordinator struct {
	runRepo    repo.RunRepo
	resultRepo repo.ResultRepo
	configRepo repo.ConfigRepo
	source     market.BarSource
	ingester   *market.Ingester
	detector   detector.Service
	logger     *slog.Logger

	batchSize int
	parallel  int
}

type Option func(c *Coordinator)

// WithIngester 扫描前先把远端行情补齐到本地
func WithIngester(ingester *market.Ingester) Option {
	return func(c *Coordinator) {
		c.ingester = ingester
	}
}

func WithParallel(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallel = n
		}
	}
}

func NewCoordinator(
	runRepo repo.RunRepo,
	resultRepo repo.ResultRepo,
	configRepo repo.ConfigRepo,
	source market.BarSource,
	det detector.Service,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		runRepo:    runRepo,
		resultRepo: resultRepo,
		configRepo: configRepo,
		source:     source,
		detector:   det,
		logger:     logger,
		batchSize:  10,
		parallel:   4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Name() string {
	return "run-coordinator"
}

func (c *Coordinator) Run(ctx context.Context) error {
	runs, err := c.runRepo.FindByStatus(ctx, entity.StatusQueued, c.batchSize)
	if err != nil {
		return fmt.Errorf("find queued runs: %w", err)
	}
	processed := 0
	for _, run := range runs {
		claimed, err := c.runRepo.Claim(ctx, run.Id)
		if err != nil {
			return fmt.Errorf("claim run %d: %w", run.Id, err)
		}
		if !claimed {
			// 其他 worker 抢到了, 静默跳过
			continue
		}
		c.process(ctx, run)
		processed++
	}
	if processed == 0 {
		return schedule.ErrNoWork
	}
	return nil
}

func (c *Coordinator) process(ctx context.Context, run entity.StrategyRun) {
	logger := c.logger.With(slog.Int64("run", run.Id))

	defaults, err := c.configRepo.FindAll(ctx)
	if err != nil {
		logger.Error("load default config failed", slog.Any("err", err))
		_ = c.runRepo.Fail(ctx, run.Id, err.Error())
		return
	}
	cfg, err := detector.ParseRunConfig(run.Config, defaults)
	if err != nil {
		logger.Error("invalid run config", slog.Any("err", err))
		_ = c.runRepo.Fail(ctx, run.Id, err.Error())
		return
	}

	type instrumentJob struct {
		instrument string
		exchange   string
	}
	var jobs []instrumentJob
	for exchange, instruments := range cfg.Instruments {
		for _, instrument := range instruments {
			jobs = append(jobs, instrumentJob{instrument: instrument, exchange: exchange})
		}
	}

	var (
		mu         sync.Mutex
		results    []entity.StrategyResult
		dataMissed int
	)
	sem := make(chan struct{}, c.parallel)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job instrumentJob) {
			defer wg.Done()
			defer func() { <-sem }()

			rows, err := c.scanInstrument(ctx, run.Id, cfg, job.instrument, job.exchange)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// 单个标的失败可跳过, 不影响整个 run
				dataMissed++
				logger.Warn("skip instrument",
					slog.String("instrument", job.instrument),
					slog.String("exchange", job.exchange),
					slog.Any("err", err))
				return
			}
			results = append(results, rows...)
		}(job)
	}
	wg.Wait()

	if dataMissed == len(jobs) {
		_ = c.runRepo.Fail(ctx, run.Id, "no data resolvable for any instrument")
		return
	}
	if err = c.resultRepo.CreateBatch(ctx, results); err != nil {
		logger.Error("persist results failed", slog.Any("err", err))
		_ = c.runRepo.Fail(ctx, run.Id, err.Error())
		return
	}
	if err = c.runRepo.Complete(ctx, run.Id); err != nil {
		logger.Error("complete run failed", slog.Any("err", err))
		return
	}
	logger.Info("run completed",
		slog.Int("results", len(results)),
		slog.Int("skipped_instruments", dataMissed))
}

func (c *Coordinator) scanInstrument(ctx context.Context, runId int64, cfg detector.RunConfig, instrument, exchange string) ([]entity.StrategyResult, error) {
	if c.ingester != nil {
		if _, err := c.ingester.Sync(ctx, instrument, exchange, cfg.Granularity, cfg.Start(), cfg.End()); err != nil {
			return nil, err
		}
	}
	bars, err := c.source.FetchBars(ctx, instrument, exchange, cfg.Granularity, cfg.Start(), cfg.End())
	if err != nil {
		if errors.Is(err, market.ErrNoData) || errors.Is(err, market.ErrRateLimited) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch bars: %w", err)
	}

	series := detector.BuildDaySeries(bars)
	if series.Empty() {
		return nil, market.ErrNoData
	}

	var rows []entity.StrategyResult
	for _, verticalGap := range cfg.VerticalGaps {
		for _, horizontalGap := range cfg.HorizontalGaps {
			for _, continuousDays := range cfg.ContinuousDays {
				candidates := c.detector.Scan(series, verticalGap, horizontalGap, continuousDays)
				for _, cand := range candidates {
					rows = append(rows, toResult(runId, instrument, exchange, cand))
				}
			}
		}
	}
	return rows, nil
}

func toResult(runId int64, instrument, exchange string, cand detector.Candidate) entity.StrategyResult {
	return entity.StrategyResult{
		StrategyRunId:  runId,
		Instrument:     instrument,
		Exchange:       exchange,
		X:              cand.Params.X,
		Y:              cand.Params.Y,
		VerticalGap:    cand.Params.VerticalGap,
		HorizontalGap:  cand.Params.HorizontalGap,
		ContinuousDays: cand.Params.ContinuousDays,
		ExceedProb:     cand.Stats.ExceedProb,
		ProfitDays:     cand.Stats.ProfitDays,
		TotalCount:     cand.Stats.TotalCount,
		Exceeded:       cand.Stats.Exceeded,
		Average:        cand.Stats.Average,
		Highest:        cand.Stats.Highest,
		P5:             cand.Stats.P5,
		P10:            cand.Stats.P10,
		P20:            cand.Stats.P20,
		P40:            cand.Stats.P40,
		P50:            cand.Stats.P50,
		CreatedAt:      time.Now(),
	}
}
