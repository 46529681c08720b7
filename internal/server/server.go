package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sellerstudio/api/internal/auth"
	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/handler"
	"github.com/sellerstudio/api/internal/middleware"
	"github.com/sellerstudio/api/internal/notify"
	"github.com/sellerstudio/api/internal/service"
	ws "github.com/sellerstudio/api/internal/websocket"
	"github.com/sellerstudio/api/pkg/response"
)

// Deps are the components the HTTP surface is built from
type Deps struct {
	Config      *config.Config
	Generations *service.GenerationService
	Panel       *notify.Panel
	Hub         *ws.Hub
	Verifier    auth.TokenVerifier
	// RateLimiter is optional
	RateLimiter *middleware.RateLimiter
	Validator   *validator.Validate
	// Services is reported by /health
	Services map[string]bool
	// AccessLog receives one line per request; nil disables it
	AccessLog io.Writer
}

// New builds the Fiber app with every route registered
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	if d.AccessLog != nil {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if strings.EqualFold(d.Config.Server.LogLevel, "debug") {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${body}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: logFormat,
			Output: d.AccessLog,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": d.Services,
		})
	})

	generationHandler := handler.NewGenerationHandler(d.Generations, d.Validator)
	taskHandler := handler.NewTaskHandler(d.Panel)
	historyHandler := handler.NewHistoryHandler(d.Generations)
	authHandler := handler.NewAuthHandler(d.Verifier)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	var authMiddleware fiber.Handler
	if d.Config.Gateway.Enabled {
		authMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		authMiddleware = middleware.Authenticate(d.Verifier)
	}

	api := app.Group("/api", authMiddleware)

	generationLimit := func(c *fiber.Ctx) error { return c.Next() }
	if d.RateLimiter != nil {
		generationLimit = d.RateLimiter.GenerationLimit(d.Config.RateLimit.GenerationsPerHour)
	}
	api.Post("/generations", generationLimit, generationHandler.Start)

	tasks := api.Group("/tasks")
	tasks.Get("/", taskHandler.List)
	tasks.Post("/clear", taskHandler.Clear)
	tasks.Post("/:taskId/dismiss", taskHandler.Dismiss)
	tasks.Delete("/:taskId", taskHandler.Cancel)

	hist := api.Group("/history")
	hist.Get("/", historyHandler.List)
	hist.Delete("/", historyHandler.Clear)
	hist.Delete("/:itemId", historyHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, authMiddleware)

	app.Get("/ws/tasks", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userId").(string)
		d.Hub.HandleConnection(c, userID)
	}))

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusUnauthorized:
		errCode = response.CodeUnauthorized
	}
	return response.Error(c, code, errCode, message, nil)
}
