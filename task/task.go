// Package task aggregates the per-task state of the kernel core: the
// capability space and the udebug session. Task creation proper (address
// space, scheduling) belongs to collaborators outside this core.
package task

import (
	"github.com/ehrlich-b/go-mkern/cap"
	"github.com/ehrlich-b/go-mkern/internal/interfaces"
	"github.com/ehrlich-b/go-mkern/udebug"
)

// Task binds the core's per-task subsystems together.
type Task struct {
	ID    uint64
	Caps  *cap.Info
	Debug *udebug.Task
}

// New creates a task with an empty capability space and an inactive
// debug session. answer receives completed debugger calls.
func New(id uint64, answer func(*udebug.Call), logger interfaces.Logger) (*Task, error) {
	ci, err := cap.NewInfo()
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:    id,
		Caps:  ci,
		Debug: udebug.NewTask(answer, logger),
	}, nil
}

// Destroy tears the task's core state down.
func (t *Task) Destroy() {
	t.Caps.Destroy()
}
