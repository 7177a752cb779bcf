/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package statemachine

// TaskState is one state of a Task's lifecycle (spec.md §4.4).
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in-progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskBlocked    TaskState = "blocked"
	TaskCancelled  TaskState = "cancelled"
)

var taskTable = table[TaskState]{
	// task.failed from pending/assigned covers the paths that kill a
	// Task before any worker ran: policy denial and approval rejection.
	TaskPending: {
		"task.assigned":  TaskAssigned,
		"task.failed":    TaskFailed,
		"task.cancelled": TaskCancelled,
	},
	TaskAssigned: {
		"worker.started": TaskInProgress,
		"task.failed":    TaskFailed,
		"task.cancelled": TaskCancelled,
	},
	// worker.started while in-progress is a retry dispatch; the state
	// doesn't change, the retry_count in the payload does.
	TaskInProgress: {
		"worker.started":  TaskInProgress,
		"task.progressed": TaskInProgress,
		"task.completed":  TaskCompleted,
		"task.failed":     TaskFailed,
		"task.blocked":    TaskBlocked,
		"task.cancelled":  TaskCancelled,
	},
	TaskBlocked: {
		"task.unblocked": TaskInProgress,
		"task.cancelled": TaskCancelled,
	},
}

var taskTerminalSelf = map[TaskState][]string{
	TaskCompleted: {"task.completed"},
	TaskFailed:    {"task.failed"},
	TaskCancelled: {"task.cancelled"},
}

// TaskSM is the pure Task transition function.
type TaskSM struct{}

func (TaskSM) Next(current TaskState, eventType string) (TaskState, error) {
	return next(taskTable, "task", current, eventType, taskTerminalSelf)
}

func (TaskSM) IsTerminal(s TaskState) bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}
