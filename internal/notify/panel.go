package notify

import (
	"errors"

	"github.com/sellerstudio/api/internal/model"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskPending  = errors.New("task is still pending")
)

// TaskSource is the task store as seen by the panel
type TaskSource interface {
	Get(id string) (model.Task, bool)
	ListFor(userID string) []model.Task
	RemoveTask(id string)
	ClearCompletedTasksFor(userID string) int
}

// Panel is the notification surface for one store. It holds no state of its
// own; every action is a store operation.
type Panel struct {
	tasks TaskSource
}

func NewPanel(tasks TaskSource) *Panel {
	return &Panel{tasks: tasks}
}

// View splits a user's tasks into pending and finished, newest first
func (p *Panel) View(userID string) model.PanelView {
	view := model.PanelView{
		Pending:   make([]model.Task, 0),
		Completed: make([]model.Task, 0),
	}
	for _, task := range p.tasks.ListFor(userID) {
		if task.Status.IsTerminal() {
			view.Completed = append(view.Completed, task)
		} else {
			view.Pending = append(view.Pending, task)
		}
	}
	return view
}

// Cancel removes a task whatever its status. A pending task's poller stops
// at the next tick; work already running at the provider is not aborted.
func (p *Panel) Cancel(userID, taskID string) error {
	if _, err := p.owned(userID, taskID); err != nil {
		return err
	}
	p.tasks.RemoveTask(taskID)
	return nil
}

// Dismiss removes a finished task from the panel
func (p *Panel) Dismiss(userID, taskID string) error {
	task, err := p.owned(userID, taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return ErrTaskPending
	}
	p.tasks.RemoveTask(taskID)
	return nil
}

// ClearAll removes every finished task of the user and returns the count
func (p *Panel) ClearAll(userID string) int {
	return p.tasks.ClearCompletedTasksFor(userID)
}

func (p *Panel) owned(userID, taskID string) (model.Task, error) {
	task, ok := p.tasks.Get(taskID)
	if !ok || task.UserID != userID {
		return model.Task{}, ErrTaskNotFound
	}
	return task, nil
}
