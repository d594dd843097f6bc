package handler

import (
	"github.com/gofiber/fiber/v2"
)

// Routes mounts the /v1 API. protect resolves the caller; idempotent wraps
// endpoints that must not run twice for the same Idempotency-Key.
func Routes(app *fiber.App, accounts *AccountHandler, txs *TransactionHandler, protect, idempotent fiber.Handler) {
	api := app.Group("/v1")

	// Public
	api.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	api.Post("/clients", accounts.CreateClient)

	// Protected
	private := api.Group("", protect)
	private.Post("/clients/:id/keys", accounts.GenerateKey)
	private.Post("/accounts", accounts.OpenAccount)
	private.Get("/accounts/:id", txs.GetAccount)
	private.Get("/accounts/:id/transactions", txs.GetHistory)
	private.Post("/accounts/:id/deposit", idempotent, txs.Deposit)
	private.Post("/accounts/:id/withdraw", idempotent, txs.Withdraw)
	private.Post("/accounts/:id/transfer/:to", idempotent, txs.Transfer)
}
