package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

var validate = validator.New()

// statusOf maps engine error codes to HTTP statuses.
func statusOf(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeLimitExceeded, domain.CodeInsufficientFunds, domain.CodeCurrencyMismatch:
		return http.StatusUnprocessableEntity
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": code, "message": msg}. Infrastructure errors
// are logged and hidden from the caller.
func respondError(c *fiber.Ctx, err error) error {
	var de *domain.Error
	if !errors.As(err, &de) || de.Code == domain.CodeIntegrity {
		slog.Error("Request failed", "path", c.Path(), "error", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error":   "INTERNAL",
			"message": "Something went wrong",
		})
	}

	if domain.IsRetryable(err) {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(statusOf(de.Code)).JSON(fiber.Map{
		"error":   de.Code,
		"message": de.Message,
	})
}

// bind parses the body and runs the validate tags.
func bind(c *fiber.Ctx, req interface{}) error {
	if err := c.BodyParser(req); err != nil {
		return domain.InvalidRequest("Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.InvalidRequest(verrs[0].Field() + " failed " + verrs[0].Tag() + " validation")
		}
		return domain.InvalidRequest(err.Error())
	}
	return nil
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, domain.InvalidRequest("Invalid " + name)
	}
	return int64(id), nil
}
