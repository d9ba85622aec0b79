package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestBars 每个交易日两根K线: 09:30 的买入点价格固定 100,
// 14:30 的卖出点取 100+r, 当日收益恰好为 r
func createTestBars(returns []float64) []entity.PriceBar {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	bars := make([]entity.PriceBar, 0, len(returns)*2)
	for i, r := range returns {
		day := base.AddDate(0, 0, i)
		hundred := decimal.NewFromInt(100)
		bars = append(bars, entity.PriceBar{
			Instrument:  "INFY",
			Exchange:    "NSE",
			Granularity: "hour",
			RecordTime:  day.Add(9*time.Hour + 30*time.Minute),
			Open:        hundred,
			High:        hundred,
			Low:         hundred,
			Close:       hundred,
		})
		sellPrice := decimal.NewFromFloat(100 + r)
		bars = append(bars, entity.PriceBar{
			Instrument:  "INFY",
			Exchange:    "NSE",
			Granularity: "hour",
			RecordTime:  day.Add(14*time.Hour + 30*time.Minute),
			Open:        sellPrice,
			High:        sellPrice,
			Low:         sellPrice,
			Close:       sellPrice,
		})
	}
	return bars
}

func TestBuildDaySeries(t *testing.T) {
	series := BuildDaySeries(createTestBars([]float64{1, 2, 3}))
	assert.Equal(t, []string{"09:30", "14:30"}, series.Times)
	assert.Len(t, series.Days, 3)
	assert.False(t, series.Empty())

	assert.True(t, BuildDaySeries(nil).Empty())
}

func TestEvaluateKnownPattern(t *testing.T) {
	// 6 天收益 [2,2,2,2,2,-12], 窗口期 5 天 => 两个窗口:
	// 窗口1 = 10 (盈利且超过 vertical_gap), 窗口2 = -4
	series := BuildDaySeries(createTestBars([]float64{2, 2, 2, 2, 2, -12}))
	svc := NewService()

	stats, ok := svc.Evaluate(series, Params{
		X:              "09:30",
		Y:              "14:30",
		VerticalGap:    1,
		HorizontalGap:  1,
		ContinuousDays: 5,
	})
	require.True(t, ok)

	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 1, stats.ProfitDays)
	assert.Equal(t, 1, stats.Exceeded)
	assert.InDelta(t, 0.5, stats.ExceedProb, 1e-9)
	assert.InDelta(t, 3, stats.Average, 1e-6)
	assert.InDelta(t, 10, stats.Highest, 1e-6)
	// 两个样本 [-4, 10] 线性插值
	assert.InDelta(t, -4+0.05*14, stats.P5, 1e-6)
	assert.InDelta(t, -4+0.5*14, stats.P50, 1e-6)
}

func TestEvaluateNoOccurrence(t *testing.T) {
	svc := NewService()

	// 天数不足一个窗口 => 不产出结果
	series := BuildDaySeries(createTestBars([]float64{1, 2, 3}))
	_, ok := svc.Evaluate(series, Params{
		X: "09:30", Y: "14:30",
		VerticalGap: 1, HorizontalGap: 1, ContinuousDays: 5,
	})
	assert.False(t, ok)

	_, ok = svc.Evaluate(DaySeries{}, Params{
		X: "09:30", Y: "14:30",
		VerticalGap: 1, HorizontalGap: 1, ContinuousDays: 1,
	})
	assert.False(t, ok)
}

func TestScanRespectsHorizontalGap(t *testing.T) {
	// 三个时间点的网格, horizontal_gap=2 时只剩 (0, 2) 一对
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	var bars []entity.PriceBar
	for d := 0; d < 3; d++ {
		day := base.AddDate(0, 0, d)
		for _, h := range []int{10, 12, 14} {
			price := decimal.NewFromInt(100)
			bars = append(bars, entity.PriceBar{
				Instrument: "TCS", Exchange: "NSE", Granularity: "hour",
				RecordTime: day.Add(time.Duration(h) * time.Hour),
				Open:       price, High: price, Low: price, Close: price,
			})
		}
	}
	series := BuildDaySeries(bars)
	svc := NewService()

	candidates := svc.Scan(series, 1, 2, 2)
	require.Len(t, candidates, 1)
	assert.Equal(t, "10:00", candidates[0].Params.X)
	assert.Equal(t, "14:00", candidates[0].Params.Y)

	candidates = svc.Scan(series, 1, 1, 2)
	assert.Len(t, candidates, 3)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		sorted []float64
		p      float64
		want   float64
	}{
		{[]float64{5}, 50, 5},
		{[]float64{1, 3}, 50, 2},
		{[]float64{1, 2, 3, 4, 5}, 50, 3},
		{[]float64{1, 2, 3, 4, 5}, 100, 5},
		{[]float64{1, 2, 3, 4, 5}, 20, 1.8},
		{[]float64{1, 2, 3, 4, 5}, 5, 1.2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("p%.0f", tt.p), func(t *testing.T) {
			assert.InDelta(t, tt.want, percentile(tt.sorted, tt.p), 1e-9)
		})
	}
}
