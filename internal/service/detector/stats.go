package detector

import "sort"

// Stats 某个 (x, y, vertical_gap, horizontal_gap, continuous_days)
// 组合下全部出现窗口的统计量
type Stats struct {
	TotalCount int
	ProfitDays int
	Exceeded   int
	ExceedProb float64
	Average    float64
	Highest    float64
	P5         float64
	P10        float64
	P20        float64
	P40        float64
	P50        float64
}

func summarize(windowSums []float64, verticalGap float64) Stats {
	stats := Stats{TotalCount: len(windowSums)}
	if stats.TotalCount == 0 {
		return stats
	}

	sorted := make([]float64, len(windowSums))
	copy(sorted, windowSums)
	sort.Float64s(sorted)

	var total float64
	for _, sum := range windowSums {
		total += sum
		if sum > 0 {
			stats.ProfitDays++
		}
		if sum > verticalGap {
			stats.Exceeded++
		}
	}

	stats.ExceedProb = float64(stats.ProfitDays) / float64(stats.TotalCount)
	stats.Average = total / float64(stats.TotalCount)
	stats.Highest = sorted[len(sorted)-1]
	stats.P5 = percentile(sorted, 5)
	stats.P10 = percentile(sorted, 10)
	stats.P20 = percentile(sorted, 20)
	stats.P40 = percentile(sorted, 40)
	stats.P50 = percentile(sorted, 50)
	return stats
}

// percentile 线性插值分位数, sorted 必须升序非空
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(rank)
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}
