package schedule

import "context"

// Task 一轮认领-处理循环, 由 Poller 周期驱动;
// 没有可认领的工作时返回 ErrNoWork
type Task interface {
	Run(ctx context.Context) error
	Name() string
}
