package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/sellerstudio/api/internal/history"
	"github.com/sellerstudio/api/internal/middleware"
	"github.com/sellerstudio/api/internal/service"
	"github.com/sellerstudio/api/pkg/response"
)

type HistoryHandler struct {
	service *service.GenerationService
}

func NewHistoryHandler(svc *service.GenerationService) *HistoryHandler {
	return &HistoryHandler{service: svc}
}

// List handles GET /api/history
func (h *HistoryHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListHistory(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/history/:itemId
func (h *HistoryHandler) Delete(c *fiber.Ctx) error {
	itemID := c.Params("itemId")
	if err := h.service.DeleteHistoryItem(c.UserContext(), middleware.GetUserID(c), itemID); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return response.NotFound(c, "History item not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"success": true, "itemId": itemID})
}

// Clear handles DELETE /api/history
func (h *HistoryHandler) Clear(c *fiber.Ctx) error {
	if err := h.service.ClearHistory(c.UserContext(), middleware.GetUserID(c)); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"success": true})
}
