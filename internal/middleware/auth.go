package middleware

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/sellerstudio/api/internal/auth"
	"github.com/sellerstudio/api/pkg/response"
)

// Authenticate validates the bearer token from the Authorization header.
// Browsers cannot set headers on WebSocket upgrades, so a "token" query
// parameter is accepted on upgrade requests only.
func Authenticate(verifier auth.TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := auth.BearerToken(c.Get("Authorization"))
		if !ok && websocket.IsWebSocketUpgrade(c) {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			if c.Get("Authorization") == "" {
				return response.Unauthorized(c, "Missing authorization header")
			}
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		id, err := verifier.Validate(tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrNoVerifier) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by Traefik ForwardAuth and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		})
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
