package keybot

import "time"

const EntityTask = "task"

type TaskKind string

const (
	TaskCreate TaskKind = "create"
	TaskDeploy TaskKind = "deploy"
	TaskPing   TaskKind = "ping"
)

func (k TaskKind) String() string {
	return string(k)
}

type TaskState string

const (
	TaskQueued     TaskState = "QUEUED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskSucceeded  TaskState = "SUCCEEDED"
	TaskFailed     TaskState = "FAILED"
)

func (s TaskState) String() string {
	return string(s)
}

func (s TaskState) IsDone() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Task is the record of a background operation on a service
type Task struct {
	ID        string
	Kind      TaskKind
	ServiceID string
	State     TaskState
	Error     string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
