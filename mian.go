package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/schedule"
	"github.com/KNICEX/strategy-agent/internal/service/analytics"
	"github.com/KNICEX/strategy-agent/internal/service/broker/simulated"
	"github.com/KNICEX/strategy-agent/internal/service/coordinator"
	"github.com/KNICEX/strategy-agent/internal/service/detector"
	"github.com/KNICEX/strategy-agent/internal/service/executor"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/KNICEX/strategy-agent/internal/service/notify"
	"github.com/KNICEX/strategy-agent/internal/service/planner"
	"github.com/KNICEX/strategy-agent/internal/service/watcher"
	"github.com/KNICEX/strategy-agent/ioc"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func initViper() {

	// --config=./config/xxx.yaml
	file := pflag.String("config", "./config/config.dev.yaml", "specify config file")
	pflag.Parse()

	viper.SetConfigFile(*file)
	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s \n", err))
	}

}

func pollInterval(worker string, fallback time.Duration) time.Duration {
	if d := viper.GetDuration("workers." + worker + ".interval"); d > 0 {
		return d
	}
	return fallback
}

func main() {
	initViper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db := ioc.InitDB()
	if err := repo.InitTables(db); err != nil {
		panic(err)
	}

	runRepo := repo.NewRunRepo(db)
	resultRepo := repo.NewResultRepo(db)
	executionRepo := repo.NewExecutionRepo(db)
	detailRepo := repo.NewDetailRepo(db)
	taskRepo := repo.NewTaskRepo(db)
	configRepo := repo.NewConfigRepo(db)
	barRepo := repo.NewBarRepo(db)

	// 印度股票走经纪商中间层, 加密货币走币安合约行情
	remoteSource := market.NewRouter(ioc.InitKiteMarketSource(), ioc.InitBinanceMarketSource())
	storeSource := market.NewStoreSource(barRepo)
	ingester := market.NewIngester(remoteSource, barRepo, logger)

	liveBroker := ioc.InitKiteBroker()
	simBroker := simulated.NewBroker()
	notifier := notify.NewConsoleNotifier()

	enabled := viper.GetStringSlice("workers.enabled")
	if len(enabled) == 0 {
		enabled = []string{"coordinator", "planner", "executor", "watcher"}
	}

	var pollers []*schedule.Poller
	if lo.Contains(enabled, "coordinator") {
		coord := coordinator.NewCoordinator(
			runRepo, resultRepo, configRepo, storeSource, detector.NewService(), logger,
			coordinator.WithIngester(ingester),
		)
		pollers = append(pollers, schedule.NewPoller(coord, pollInterval("coordinator", 30*time.Second), logger))
	}
	if lo.Contains(enabled, "planner") {
		plan := planner.NewPlanner(executionRepo, detailRepo, resultRepo, taskRepo, logger)
		pollers = append(pollers, schedule.NewPoller(plan, pollInterval("planner", 30*time.Second), logger))
	}
	if lo.Contains(enabled, "executor") {
		exec := executor.NewExecutor(taskRepo, detailRepo, executionRepo, liveBroker, simBroker, remoteSource, logger)
		pollers = append(pollers, schedule.NewPoller(exec, pollInterval("executor", 15*time.Second), logger))
	}
	if lo.Contains(enabled, "watcher") {
		analyzer := analytics.NewAnalyzer(executionRepo, detailRepo, taskRepo)
		watch := watcher.NewWatcher(runRepo, executionRepo, detailRepo, taskRepo, remoteSource, analyzer, notifier, logger, watcher.Config{
			TaskTimeout:  viper.GetDuration("workers.watcher.task_timeout"),
			ClaimTimeout: viper.GetDuration("workers.watcher.claim_timeout"),
			MaxRetry:     viper.GetInt("workers.watcher.max_retry"),
		})
		pollers = append(pollers, schedule.NewPoller(watch, pollInterval("watcher", time.Minute), logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *schedule.Poller) {
			defer wg.Done()
			p.Start(ctx)
		}(p)
	}
	logger.Info("workers started", slog.Any("enabled", enabled))
	wg.Wait()
	logger.Info("shutdown complete")
}
