package detector

import (
	"sort"
	"time"

	"github.com/KNICEX/strategy-agent/internal/entity"
	"github.com/samber/lo"
)

const intradayLayout = "15:04"

// TradingDay 一个交易日内按时间点索引的 K 线
type TradingDay struct {
	Date time.Time
	Bars map[string]entity.PriceBar
}

// DaySeries 把原始 K 线整理成 交易日 x 日内时间点 的网格,
// x/y 参数即 Times 中的下标
type DaySeries struct {
	Times []string
	Days  []TradingDay
}

func BuildDaySeries(bars []entity.PriceBar) DaySeries {
	grouped := lo.GroupBy(bars, func(bar entity.PriceBar) string {
		return bar.RecordTime.Format(time.DateOnly)
	})

	dates := lo.Keys(grouped)
	sort.Strings(dates)

	timeSet := make(map[string]struct{})
	days := make([]TradingDay, 0, len(dates))
	for _, date := range dates {
		day := TradingDay{
			Bars: make(map[string]entity.PriceBar, len(grouped[date])),
		}
		day.Date, _ = time.Parse(time.DateOnly, date)
		for _, bar := range grouped[date] {
			point := bar.RecordTime.Format(intradayLayout)
			day.Bars[point] = bar
			timeSet[point] = struct{}{}
		}
		days = append(days, day)
	}

	times := lo.Keys(timeSet)
	sort.Strings(times)
	return DaySeries{
		Times: times,
		Days:  days,
	}
}

// Empty 没有任何可用交易日
func (s DaySeries) Empty() bool {
	return len(s.Days) == 0 || len(s.Times) == 0
}
