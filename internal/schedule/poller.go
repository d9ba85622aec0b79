package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNoWork 队列为空, poller 据此拉长下一轮的间隔
var ErrNoWork = errors.New("no work claimed")

const maxIdleBackoff = 8

// Poller 周期驱动一个 Task, 空轮退避, 出错不中断
type Poller struct {
	task     Task
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(task Task, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		task:     task,
		interval: interval,
		logger:   logger.With(slog.String("task", task.Name())),
	}
}

// Start 阻塞运行直到 ctx 取消, 正在执行的一轮会做完再退出
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started", slog.Duration("interval", p.interval))
	idle := 1
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-timer.C:
			if p.runOnce(ctx) {
				idle = 1
			} else if idle < maxIdleBackoff {
				idle *= 2
			}
			timer.Reset(p.interval * time.Duration(idle))
		}
	}
}

// runOnce 返回本轮是否有活干
func (p *Poller) runOnce(ctx context.Context) bool {
	start := time.Now()
	err := p.task.Run(ctx)
	if errors.Is(err, ErrNoWork) {
		return false
	}
	if err != nil {
		p.logger.Error("task run failed", slog.Any("err", err))
		return true
	}
	p.logger.Debug("task run finished", slog.Duration("cost", time.Since(start)))
	return true
}
