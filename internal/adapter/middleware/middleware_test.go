package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/locking"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/storage"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/security"
)

type keyMap map[string]int64

func (k keyMap) ClientByKeyHash(_ context.Context, hash string) (int64, error) {
	if hash == "broken" {
		return 0, errors.New("db down")
	}
	id, ok := k[hash]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

func whoAmI(c *fiber.Ctx) error {
	return c.SendString(strconv.FormatInt(ClientID(c), 10))
}

func TestProtected(t *testing.T) {
	key, hash, err := security.GenerateAPIKey()
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", Protected(keyMap{hash: 42}), whoAmI)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + key, http.StatusUnauthorized},
		{"malformed key", "Bearer nope", http.StatusUnauthorized},
		{"unknown key", "Bearer " + security.KeyPrefix + hash, http.StatusUnauthorized},
		{"valid", "Bearer " + key, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			if tt.status == http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, "42", string(body))
			}
		})
	}
}

func TestIdempotencyReplays(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	calls := 0

	app := fiber.New()
	app.Post("/pay",
		func(c *fiber.Ctx) error { c.Locals(clientIDKey, int64(7)); return c.Next() },
		Idempotency(store, locking.NewKeyedMutex()),
		func(c *fiber.Ctx) error {
			calls++
			return c.Status(http.StatusCreated).JSON(fiber.Map{"call": calls})
		},
	)

	send := func(key string) (*http.Response, string) {
		req := httptest.NewRequest(http.MethodPost, "/pay", nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	first, body := send("abc")
	assert.Equal(t, http.StatusCreated, first.StatusCode)
	assert.JSONEq(t, `{"call":1}`, body)

	again, body := send("abc")
	assert.Equal(t, http.StatusCreated, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get("X-Idempotency-Hit"))
	assert.JSONEq(t, `{"call":1}`, body)

	_, body = send("other")
	assert.JSONEq(t, `{"call":2}`, body)

	_, body = send("")
	assert.JSONEq(t, `{"call":3}`, body)
	assert.Equal(t, 3, calls)
}

func TestIdempotencyStoresOnlyUnsafeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int
	}{
		{"lock timeout runs again", http.StatusServiceUnavailable, 2},
		{"rate limited runs again", http.StatusTooManyRequests, 2},
		{"internal error is replayed", http.StatusInternalServerError, 1},
		{"business rejection is replayed", http.StatusUnprocessableEntity, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore(nil)
			calls := 0

			app := fiber.New()
			app.Post("/pay", Idempotency(store, locking.NewKeyedMutex()), func(c *fiber.Ctx) error {
				calls++
				return c.Status(tt.status).JSON(fiber.Map{"call": calls})
			})

			for i := 0; i < 2; i++ {
				req := httptest.NewRequest(http.MethodPost, "/pay", nil)
				req.Header.Set("Idempotency-Key", "k")
				resp, err := app.Test(req)
				require.NoError(t, err)
				assert.Equal(t, tt.status, resp.StatusCode)
			}
			assert.Equal(t, tt.calls, calls)
		})
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	calls := 0

	app := fiber.New()
	app.Post("/pay", Idempotency(store, locking.NewKeyedMutex()), func(c *fiber.Ctx) error {
		calls++
		return c.Status(http.StatusCreated).Send(c.Body())
	})

	send := func(body string) (*http.Response, string) {
		req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "k")
		resp, err := app.Test(req)
		require.NoError(t, err)
		out, _ := io.ReadAll(resp.Body)
		return resp, string(out)
	}

	first, _ := send(`{"amount":"10"}`)
	assert.Equal(t, http.StatusCreated, first.StatusCode)

	reused, body := send(`{"amount":"99"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.StatusCode)
	assert.Contains(t, body, "IDEMPOTENCY_KEY_REUSED")

	same, body := send(`{"amount":"10"}`)
	assert.Equal(t, http.StatusCreated, same.StatusCode)
	assert.Equal(t, "true", same.Header.Get("X-Idempotency-Hit"))
	assert.JSONEq(t, `{"amount":"10"}`, body)
	assert.Equal(t, 1, calls)
}
