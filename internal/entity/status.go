package entity

// Status 生命周期状态, 所有组件只通过条件更新推进状态
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// 任务独有状态
	StatusPending Status = "pending"
	StatusBlocked Status = "blocked"
	StatusSkipped Status = "skipped"
)

// IsTerminal 终态不再被任何 worker 推进
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

var runTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusQueued},
}

var executionTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
}

var detailTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

var taskTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusBlocked, StatusSkipped, StatusFailed},
	StatusQueued:  {StatusRunning, StatusBlocked, StatusSkipped, StatusFailed},
	// running -> queued 仅限 watcher 回收僵尸任务
	StatusRunning: {StatusCompleted, StatusFailed, StatusQueued},
	StatusBlocked: {StatusQueued, StatusFailed, StatusSkipped},
}

func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidRunTransition(from, to Status) bool {
	return allowed(runTransitions, from, to)
}

func ValidExecutionTransition(from, to Status) bool {
	return allowed(executionTransitions, from, to)
}

func ValidDetailTransition(from, to Status) bool {
	return allowed(detailTransitions, from, to)
}

func ValidTaskTransition(from, to Status) bool {
	return allowed(taskTransitions, from, to)
}
