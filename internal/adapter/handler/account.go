package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/middleware"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/security"
)

// Directory registers clients, their accounts and their API keys.
type Directory interface {
	CreateClient(ctx context.Context, name string) (int64, error)
	OpenAccount(ctx context.Context, ownerID int64, country domain.Country, currency domain.Currency) (*domain.Account, error)
	SaveAPIKey(ctx context.Context, clientID int64, keyHash, keyPrefix string) error
}

type AccountHandler struct {
	Repo Directory
}

type CreateClientRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

// OpenAccountRequest: currency defaults to the country's own.
type OpenAccountRequest struct {
	Country  string `json:"country" validate:"required,len=2,alpha"`
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
}

// CreateClient registers a client and hands out its first API key.
func (h *AccountHandler) CreateClient(c *fiber.Ctx) error {
	var req CreateClientRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	id, err := h.Repo.CreateClient(c.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		return respondError(c, err)
	}

	realKey, err := h.issueKey(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	slog.Info("✅ Client Created", "client_id", id)
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"id":      id,
		"name":    req.Name,
		"api_key": realKey,
		"warning": keyWarning,
	})
}

// OpenAccount opens an account owned by the caller.
func (h *AccountHandler) OpenAccount(c *fiber.Ctx) error {
	var req OpenAccountRequest

	// 1. Parse + validate
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	country := domain.Country(strings.ToUpper(req.Country))
	currency := domain.Currency(strings.ToUpper(req.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency(country)
	}

	// 2. Call Storage
	ownerID := middleware.ClientID(c)
	account, err := h.Repo.OpenAccount(c.Context(), ownerID, country, currency)
	if err != nil {
		return respondError(c, err)
	}

	slog.Info("✅ Account Created", "id", account.ID, "owner_id", ownerID, "currency", account.Currency)

	// 3. Return Success
	return c.Status(http.StatusCreated).JSON(account)
}

// GenerateKey issues an additional key to the calling client.
func (h *AccountHandler) GenerateKey(c *fiber.Ctx) error {
	clientID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if clientID != middleware.ClientID(c) {
		return respondError(c, domain.Forbidden("access denied"))
	}

	realKey, err := h.issueKey(c.Context(), clientID)
	if err != nil {
		return respondError(c, err)
	}

	// Show Key to User (ONCE ONLY)
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"api_key": realKey,
		"warning": keyWarning,
	})
}

const keyWarning = "Save this now! We won't show it again."

func (h *AccountHandler) issueKey(ctx context.Context, clientID int64) (string, error) {
	// 1. Generate Secure Key
	realKey, keyHash, err := security.GenerateAPIKey()
	if err != nil {
		return "", err
	}

	// 2. Save Hash (never the key itself)
	if err := h.Repo.SaveAPIKey(ctx, clientID, keyHash, security.DisplayPrefix(realKey)); err != nil {
		return "", err
	}

	slog.Info("🔑 API Key Generated", "client_id", clientID)
	return realKey, nil
}
