package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KNICEX/strategy-agent/internal/repo"
)

// Ingester 扫描前把远端行情补齐到本地存储,
// 已存在的K线不会被覆盖
type Ingester struct {
	remote  BarSource
	barRepo repo.BarRepo
	logger  *slog.Logger
}

func NewIngester(remote BarSource, barRepo repo.BarRepo, logger *slog.Logger) *Ingester {
	return &Ingester{
		remote:  remote,
		barRepo: barRepo,
		logger:  logger,
	}
}

// Sync 拉取并入库, 无数据时不报错 (由读取方决定是否可跳过)
func (i *Ingester) Sync(ctx context.Context, instrument, exchange, granularity string, start, end time.Time) (int, error) {
	bars, err := i.remote.FetchBars(ctx, instrument, exchange, granularity, start, end)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			i.logger.Warn("no remote bars",
				slog.String("instrument", instrument),
				slog.String("exchange", exchange))
			return 0, nil
		}
		return 0, fmt.Errorf("fetch remote bars %s:%s: %w", exchange, instrument, err)
	}
	if err = i.barRepo.Upsert(ctx, bars); err != nil {
		return 0, fmt.Errorf("upsert bars %s:%s: %w", exchange, instrument, err)
	}
	return len(bars), nil
}
