package notify

import (
	"context"
	"fmt"
	"time"
)

type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert watcher 在回收僵尸任务或发现状态不一致时发出
type Alert struct {
	Level     AlertLevel     `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type consoleNotifier struct {
}

func NewConsoleNotifier() Notifier {
	return consoleNotifier{}
}

func (c consoleNotifier) Notify(_ context.Context, alert Alert) error {
	fmt.Printf("[%s] %s: %s %v\n", alert.Level, alert.Source, alert.Message, alert.Fields)
	return nil
}
