package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/middleware"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/service"
	"github.com/sellerstudio/api/pkg/response"
)

type GenerationHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerationHandler(svc *service.GenerationService, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/generations
func (h *GenerationHandler) Start(c *fiber.Ctx) error {
	var req model.GenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return submissionError(c, err)
	}

	return response.Accepted(c, result)
}

func submissionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, client.ErrMissingModel), errors.Is(err, client.ErrInvalidPayload):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, client.ErrMissingAPIKey):
		return response.AIError(c, err.Error(), nil)
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		message := "Generation provider rejected the request"
		if apiErr.IsAuth() {
			message = "Generation provider rejected the API key"
		}
		return response.AIError(c, message, fiber.Map{
			"status": apiErr.StatusCode,
			"body":   apiErr.Body,
		})
	}
	return response.AIError(c, err.Error(), nil)
}
