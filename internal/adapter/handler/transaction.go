package handler

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/middleware"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// Engine is the transaction engine as the HTTP layer sees it.
type Engine interface {
	Deposit(ctx context.Context, accountID int64, amount decimal.Decimal, callerID int64) (*domain.TransactionResponse, error)
	Withdraw(ctx context.Context, callerID, accountID int64, amount decimal.Decimal) (*domain.TransactionResponse, error)
	Transfer(ctx context.Context, fromID, ownerID, toID int64, amount decimal.Decimal) (*domain.TransactionResponse, error)
	Account(ctx context.Context, callerID, accountID int64) (*domain.Account, error)
	History(ctx context.Context, callerID, accountID int64, limit int) ([]domain.HistoryItem, error)
}

type TransactionHandler struct {
	Engine Engine
}

// AmountRequest is the body of deposit, withdraw and transfer.
// Amounts are decimals, either as JSON numbers or strings ("10.50").
type AmountRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

// Deposit API
func (h *TransactionHandler) Deposit(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req AmountRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	resp, err := h.Engine.Deposit(c.Context(), accountID, *req.Amount, middleware.ClientID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(resp)
}

// Withdraw API
func (h *TransactionHandler) Withdraw(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req AmountRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	resp, err := h.Engine.Withdraw(c.Context(), middleware.ClientID(c), accountID, *req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(resp)
}

// Transfer API
func (h *TransactionHandler) Transfer(c *fiber.Ctx) error {
	fromID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	toID, err := paramID(c, "to")
	if err != nil {
		return respondError(c, err)
	}
	var req AmountRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	resp, err := h.Engine.Transfer(c.Context(), fromID, middleware.ClientID(c), toID, *req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(resp)
}

func (h *TransactionHandler) GetAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	account, err := h.Engine.Account(c.Context(), middleware.ClientID(c), accountID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(account)
}

// GetHistory lists the latest ledger lines, ?limit=N (default 10, max 100).
func (h *TransactionHandler) GetHistory(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	limit := c.QueryInt("limit", 0)

	history, err := h.Engine.History(c.Context(), middleware.ClientID(c), accountID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"transactions": history,
	})
}
