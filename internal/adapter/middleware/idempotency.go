package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog" // Use the new logger
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/locking"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// inFlightWait bounds how long a duplicate waits for the original to finish.
const inFlightWait = 10 * time.Second

// ReplyStore remembers the first response sent for an idempotency key.
type ReplyStore interface {
	LookupReply(ctx context.Context, key string) (domain.StoredReply, bool, error)
	SaveReply(ctx context.Context, key string, reply domain.StoredReply) error
}

// Idempotency replays the stored response when a request repeats its
// Idempotency-Key. Keys are scoped to the calling client. Reusing a key with
// a different body is rejected with 422.
//
// Every reply is stored except the ones of requests that provably moved no
// money (see retrySafe). A 500 may come after money moved, so it is replayed
// too and never run twice.
//
// guard serializes requests carrying the same key, so a duplicate sent while
// the original is still running waits for it and then gets its reply.
func Idempotency(store ReplyStore, guard locking.Locker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// 1. Get Key from Header
		key := c.Get("Idempotency-Key")

		// If no key, skip
		if key == "" {
			return c.Next()
		}
		scoped := strconv.FormatInt(ClientID(c), 10) + ":" + c.Method() + ":" + c.Path() + ":" + key

		// 2. One request per key at a time
		waitCtx, cancel := context.WithTimeout(c.Context(), inFlightWait)
		release, err := guard.Acquire(waitCtx, "idempotency:"+scoped)
		cancel()
		if err != nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A request with this Idempotency-Key is still in progress"})
		}
		defer release()

		// 3. Check if key exists
		requestHash := hashBody(c.Body())
		reply, found, err := store.LookupReply(c.Context(), scoped)
		if err != nil {
			slog.Error("❌ Idempotency lookup failed", "error", err, "key", key)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Something went wrong"})
		}
		if found {
			if reply.RequestHash != "" && reply.RequestHash != requestHash {
				slog.Warn("Idempotency key reused with a different body", "key", key)
				return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
					"error":   "IDEMPOTENCY_KEY_REUSED",
					"message": "Idempotency-Key was already used with a different request body",
				})
			}
			slog.Info("🛑 Idempotency Hit! Returning cached response", "key", key)
			c.Set("X-Idempotency-Hit", "true")
			c.Set("Content-Type", "application/json")
			return c.Status(reply.Status).Send(reply.Body)
		}

		// 4. Run the Handler
		if err := c.Next(); err != nil {
			return err
		}

		// 5. Save the Result
		resStatus := c.Response().StatusCode()
		if retrySafe(resStatus) {
			return nil
		}

		err = store.SaveReply(c.Context(), scoped, domain.StoredReply{
			Status:      resStatus,
			Body:        append([]byte(nil), c.Response().Body()...),
			RequestHash: requestHash,
		})
		if err != nil {
			slog.Error("❌ Failed to save Idempotency Key", "error", err, "key", key)
		} else {
			slog.Info("💾 Idempotency Key Saved", "key", key)
		}
		return nil
	}
}

// retrySafe reports replies of requests that never touched a balance: the
// rate limiter turned them away (429) or the lock wait timed out and rolled
// back (503).
func retrySafe(status int) bool {
	return status == fiber.StatusTooManyRequests || status == fiber.StatusServiceUnavailable
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
