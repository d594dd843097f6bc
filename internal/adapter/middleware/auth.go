package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/security"
)

const clientIDKey = "client_id"

// KeyResolver finds the client behind a hashed API key.
type KeyResolver interface {
	ClientByKeyHash(ctx context.Context, keyHash string) (int64, error)
}

func Protected(keys KeyResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// 1. Get Token from Header
		authHeader := c.Get("Authorization") // "Bearer gp_live_..."
		if authHeader == "" {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Missing API Key"})
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid Header Format"})
		}
		apiKey := parts[1]
		if !security.LooksLikeKey(apiKey) {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid API Key"})
		}

		// 2. Look up by hash (We never compare plain text!)
		clientID, err := keys.ClientByKeyHash(c.Context(), security.HashKey(apiKey))
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid API Key"})
		}
		if err != nil {
			slog.Error("API key lookup failed", "error", err)
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Something went wrong"})
		}

		// 3. Save Client ID to Context (So handler knows who is calling)
		c.Locals(clientIDKey, clientID)

		return c.Next()
	}
}

// ClientID returns the caller resolved by Protected, or 0.
func ClientID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(clientIDKey).(int64)
	return id
}
