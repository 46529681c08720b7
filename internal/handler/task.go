package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/sellerstudio/api/internal/middleware"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/notify"
	"github.com/sellerstudio/api/pkg/response"
)

// TaskHandler exposes the notification panel
type TaskHandler struct {
	panel *notify.Panel
}

func NewTaskHandler(panel *notify.Panel) *TaskHandler {
	return &TaskHandler{panel: panel}
}

// List handles GET /api/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	return response.OK(c, h.panel.View(middleware.GetUserID(c)))
}

// Cancel handles DELETE /api/tasks/:taskId
func (h *TaskHandler) Cancel(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if err := h.panel.Cancel(middleware.GetUserID(c), taskID); err != nil {
		return taskError(c, err)
	}
	return response.OK(c, model.TaskActionResponse{Success: true, TaskID: taskID})
}

// Dismiss handles POST /api/tasks/:taskId/dismiss
func (h *TaskHandler) Dismiss(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if err := h.panel.Dismiss(middleware.GetUserID(c), taskID); err != nil {
		return taskError(c, err)
	}
	return response.OK(c, model.TaskActionResponse{Success: true, TaskID: taskID})
}

// Clear handles POST /api/tasks/clear
func (h *TaskHandler) Clear(c *fiber.Ctx) error {
	cleared := h.panel.ClearAll(middleware.GetUserID(c))
	return response.OK(c, model.TaskClearResponse{Success: true, Cleared: cleared})
}

func taskError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, notify.ErrTaskNotFound):
		return response.NotFound(c, "Task not found")
	case errors.Is(err, notify.ErrTaskPending):
		return response.Conflict(c, "Task is still pending, cancel it instead")
	}
	return response.ServiceError(c, err.Error())
}
