package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/KNICEX/strategy-agent/internal/repo"
	"github.com/KNICEX/strategy-agent/internal/service/detector"
	"github.com/KNICEX/strategy-agent/internal/service/market"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

// seedBars 连续 days 天, 每天 09:30 和 14:30 各一根K线,
// 14:30 的价格按 returns 偏移使当日收益可控
func seedBars(t *testing.T, db *gorm.DB, instrument string, returns []float64) {
	t.Helper()
	barRepo := repo.NewBarRepo(db)
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	var bars []entity.PriceBar
	for d, r := range returns {
		day := base.AddDate(0, 0, d)
		x := decimal.NewFromInt(100)
		y := decimal.NewFromFloat(100 + r)
		bars = append(bars,
			entity.PriceBar{
				Instrument: instrument, Exchange: "NSE", Granularity: "minute",
				RecordTime: day.Add(9*time.Hour + 30*time.Minute),
				Open:       x, High: x, Low: x, Close: x, Volume: 1000,
			},
			entity.PriceBar{
				Instrument: instrument, Exchange: "NSE", Granularity: "minute",
				RecordTime: day.Add(14*time.Hour + 30*time.Minute),
				Open:       y, High: y, Low: y, Close: y, Volume: 1000,
			},
		)
	}
	require.NoError(t, barRepo.Upsert(context.Background(), bars))
}

func runConfigDoc(instruments []string) string {
	quoted := lo.Map(instruments, func(s string, _ int) string {
		return fmt.Sprintf("%q", s)
	})
	doc := `{
		"start_date": "2026-01-05",
		"end_date": "2026-01-14",
		"granularity": "minute",
		"instruments": {"NSE": [%s]},
		"vertical_gaps": [1.0],
		"horizontal_gaps": [1],
		"continuous_days": [3]
	}`
	return fmt.Sprintf(doc, strings.Join(quoted, ", "))
}

func newTestCoordinator(db *gorm.DB) *Coordinator {
	return NewCoordinator(
		repo.NewRunRepo(db),
		repo.NewResultRepo(db),
		repo.NewConfigRepo(db),
		market.NewStoreSource(repo.NewBarRepo(db)),
		detector.NewService(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestRunCompletesWithPartialData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// INFY 有行情, GHOST 没有, run 整体仍应完成
	seedBars(t, db, "INFY", []float64{2, 2, 2, 2, 2, -1, 3, 1, 2, 2})
	runRepo := repo.NewRunRepo(db)
	runId, err := runRepo.Create(ctx, entity.StrategyRun{
		Config: runConfigDoc([]string{"INFY", "GHOST"}),
		Status: entity.StatusQueued,
	})
	require.NoError(t, err)

	c := newTestCoordinator(db)
	require.NoError(t, c.Run(ctx))

	run, err := runRepo.FindById(ctx, runId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, run.Status)

	results, err := repo.NewResultRepo(db).FindByRun(ctx, runId)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, result := range results {
		assert.Equal(t, "INFY", result.Instrument)
		assert.Equal(t, "09:30", result.X)
		assert.Equal(t, "14:30", result.Y)
		assert.Positive(t, result.TotalCount)
		assert.GreaterOrEqual(t, result.ExceedProb, 0.0)
		assert.LessOrEqual(t, result.ExceedProb, 1.0)
	}
}

func TestRunFailsWhenNoInstrumentHasData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	runRepo := repo.NewRunRepo(db)
	runId, err := runRepo.Create(ctx, entity.StrategyRun{
		Config: runConfigDoc([]string{"GHOST", "PHANTOM"}),
		Status: entity.StatusQueued,
	})
	require.NoError(t, err)

	c := newTestCoordinator(db)
	require.NoError(t, c.Run(ctx))

	run, err := runRepo.FindById(ctx, runId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, run.Status)
	assert.Equal(t, "no data resolvable for any instrument", run.ErrorMessage)

	results, err := repo.NewResultRepo(db).FindByRun(ctx, runId)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	runRepo := repo.NewRunRepo(db)
	runId, err := runRepo.Create(ctx, entity.StrategyRun{
		Config: "not json at all",
		Status: entity.StatusQueued,
	})
	require.NoError(t, err)

	c := newTestCoordinator(db)
	require.NoError(t, c.Run(ctx))

	run, err := runRepo.FindById(ctx, runId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
}

func TestRunUsesStoredDefaults(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedBars(t, db, "INFY", []float64{2, 2, 2, 2, 2, -1, 3, 1, 2, 2})
	configRepo := repo.NewConfigRepo(db)
	require.NoError(t, configRepo.Upsert(ctx, "vertical_gaps", "1.0"))
	require.NoError(t, configRepo.Upsert(ctx, "horizontal_gaps", "1"))
	require.NoError(t, configRepo.Upsert(ctx, "continuous_days", "3"))

	// 请求里不带参数网格, 全靠库里的缺省值
	doc := `{
		"start_date": "2026-01-05",
		"end_date": "2026-01-14",
		"granularity": "minute",
		"instruments": {"NSE": ["INFY"]}
	}`
	runRepo := repo.NewRunRepo(db)
	runId, err := runRepo.Create(ctx, entity.StrategyRun{Config: doc, Status: entity.StatusQueued})
	require.NoError(t, err)

	c := newTestCoordinator(db)
	require.NoError(t, c.Run(ctx))

	run, err := runRepo.FindById(ctx, runId)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, run.Status)

	results, err := repo.NewResultRepo(db).FindByRun(ctx, runId)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 3, results[0].ContinuousDays)
}
