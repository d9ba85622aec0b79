package detector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// RunConfig StrategyRun.Config 的强类型形式,
// 扫描网格为 instruments x vertical_gaps x horizontal_gaps x continuous_days
type RunConfig struct {
	StartDate      string              `json:"start_date"`
	EndDate        string              `json:"end_date"`
	Granularity    string              `json:"granularity"`
	Instruments    map[string][]string `json:"instruments"` // exchange -> instrument
	VerticalGaps   []float64           `json:"vertical_gaps"`
	HorizontalGaps []int               `json:"horizontal_gaps"`
	ContinuousDays []int               `json:"continuous_days"`

	// 风控参数随结果透传给后续的 execution, 0 表示不启用
	StopLossPercent  float64 `json:"stop_loss_percent"`
	EarlyExitPercent float64 `json:"early_exit_percent"`
}

func (c RunConfig) Start() time.Time {
	t, _ := time.Parse(time.DateOnly, c.StartDate)
	return t
}

func (c RunConfig) End() time.Time {
	t, _ := time.Parse(time.DateOnly, c.EndDate)
	// 终止日含当天
	return t.Add(24*time.Hour - time.Nanosecond)
}

// ParseRunConfig 解析并校验配置, defaults 来自 default_strategy_config 表
// (parameter -> 逗号分隔的值), 仅在对应字段缺失时生效
func ParseRunConfig(doc string, defaults map[string]string) (RunConfig, error) {
	var cfg RunConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("unmarshal run config: %w", err)
	}

	if len(cfg.VerticalGaps) == 0 {
		cfg.VerticalGaps = parseFloats(defaults["vertical_gaps"])
	}
	if len(cfg.HorizontalGaps) == 0 {
		cfg.HorizontalGaps = parseInts(defaults["horizontal_gaps"])
	}
	if len(cfg.ContinuousDays) == 0 {
		cfg.ContinuousDays = parseInts(defaults["continuous_days"])
	}
	if cfg.Granularity == "" {
		cfg.Granularity = defaults["granularity"]
	}
	if cfg.StopLossPercent == 0 {
		cfg.StopLossPercent, _ = strconv.ParseFloat(defaults["stop_loss_percent"], 64)
	}
	if cfg.EarlyExitPercent == 0 {
		cfg.EarlyExitPercent, _ = strconv.ParseFloat(defaults["early_exit_percent"], 64)
	}

	if err := cfg.validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c RunConfig) validate() error {
	start, err := time.Parse(time.DateOnly, c.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start_date %q: %w", c.StartDate, err)
	}
	end, err := time.Parse(time.DateOnly, c.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end_date %q: %w", c.EndDate, err)
	}
	if end.Before(start) {
		return fmt.Errorf("end_date %s before start_date %s", c.EndDate, c.StartDate)
	}
	if c.Granularity == "" {
		return fmt.Errorf("granularity required")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments required")
	}
	for exchange, instruments := range c.Instruments {
		if len(instruments) == 0 {
			return fmt.Errorf("exchange %s has no instruments", exchange)
		}
	}
	if len(c.VerticalGaps) == 0 || len(c.HorizontalGaps) == 0 || len(c.ContinuousDays) == 0 {
		return fmt.Errorf("vertical_gaps, horizontal_gaps and continuous_days must be non-empty")
	}
	if lo.SomeBy(c.VerticalGaps, func(g float64) bool { return g <= 0 }) {
		return fmt.Errorf("vertical_gaps must be positive")
	}
	if lo.SomeBy(c.HorizontalGaps, func(g int) bool { return g < 1 }) {
		return fmt.Errorf("horizontal_gaps must be >= 1")
	}
	if lo.SomeBy(c.ContinuousDays, func(d int) bool { return d < 1 }) {
		return fmt.Errorf("continuous_days must be >= 1")
	}
	if c.StopLossPercent < 0 || c.EarlyExitPercent < 0 {
		return fmt.Errorf("risk percentages must not be negative")
	}
	return nil
}

func parseFloats(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func parseInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
