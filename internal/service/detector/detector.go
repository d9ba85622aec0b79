package detector

// Params 一次评估的完整参数组合, X/Y 为日内时间点
type Params struct {
	X              string
	Y              string
	VerticalGap    float64
	HorizontalGap  int
	ContinuousDays int
}

// Candidate 扫描产出的一个候选策略
type Candidate struct {
	Params Params
	Stats  Stats
}

type Service interface {
	// Evaluate 单个参数组合, 无有效窗口时返回 false (不产出结果行)
	Evaluate(series DaySeries, params Params) (Stats, bool)
	// Scan 枚举满足 horizontal_gap 的全部 (x, y) 时间点对
	Scan(series DaySeries, verticalGap float64, horizontalGap, continuousDays int) []Candidate
}

type service struct{}

func NewService() Service {
	return &service{}
}

func (s *service) Evaluate(series DaySeries, params Params) (Stats, bool) {
	if params.ContinuousDays <= 0 {
		return Stats{}, false
	}

	// 每个交易日的收益: x 点买入参考价 (高+开+收)/3, y 点卖出参考价 (低+开+收)/3
	returns := make([]float64, 0, len(series.Days))
	for _, day := range series.Days {
		xBar, okX := day.Bars[params.X]
		yBar, okY := day.Bars[params.Y]
		if !okX || !okY {
			continue
		}
		xAvg := (xBar.High.InexactFloat64() + xBar.Open.InexactFloat64() + xBar.Close.InexactFloat64()) / 3
		yAvg := (yBar.Low.InexactFloat64() + yBar.Open.InexactFloat64() + yBar.Close.InexactFloat64()) / 3
		if xAvg == 0 {
			continue
		}
		returns = append(returns, (yAvg/xAvg-1)*100)
	}
	if len(returns) < params.ContinuousDays {
		return Stats{}, false
	}

	// continuous_days 滑动窗口, 窗口和即一次出现的收益
	window := params.ContinuousDays
	var sum float64
	windowSums := make([]float64, 0, len(returns)-window+1)
	for i, r := range returns {
		sum += r
		if i >= window {
			sum -= returns[i-window]
		}
		if i >= window-1 {
			windowSums = append(windowSums, sum)
		}
	}

	stats := summarize(windowSums, params.VerticalGap)
	if stats.TotalCount == 0 {
		return Stats{}, false
	}
	return stats, true
}

func (s *service) Scan(series DaySeries, verticalGap float64, horizontalGap, continuousDays int) []Candidate {
	var candidates []Candidate
	for xi, x := range series.Times {
		for yi := xi + horizontalGap; yi < len(series.Times); yi++ {
			params := Params{
				X:              x,
				Y:              series.Times[yi],
				VerticalGap:    verticalGap,
				HorizontalGap:  horizontalGap,
				ContinuousDays: continuousDays,
			}
			stats, ok := s.Evaluate(series, params)
			if !ok {
				continue
			}
			candidates = append(candidates, Candidate{Params: params, Stats: stats})
		}
	}
	return candidates
}
