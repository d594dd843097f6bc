package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

const (
	EventCompleted = "transaction.completed"
	EventFailed    = "transaction.failed"

	SignatureHeader = "X-GoPay-Signature"
	EventIDHeader   = "X-GoPay-Event-Id"
)

// Event is the webhook body sent for a settled transaction.
type Event struct {
	ID        uuid.UUID                  `json:"id"`
	Type      string                     `json:"type"`
	CreatedAt time.Time                  `json:"created_at"`
	Data      domain.TransactionResponse `json:"data"`
}

func NewEvent(resp domain.TransactionResponse, now time.Time) Event {
	kind := EventCompleted
	if resp.Status == domain.StatusFailed {
		kind = EventFailed
	}
	return Event{
		ID:        uuid.New(),
		Type:      kind,
		CreatedAt: now,
		Data:      resp,
	}
}

// Job is one queued delivery.
type Job struct {
	ID       uuid.UUID
	URL      string
	Payload  []byte
	Attempts int
}

// Queue persists jobs for the webhook worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Outbox turns settled transactions into queued webhook jobs. Delivery
// happens later in the worker so a slow endpoint never holds up a payment.
type Outbox struct {
	queue Queue
	url   string
}

func NewOutbox(queue Queue, url string) *Outbox {
	return &Outbox{queue: queue, url: url}
}

func (o *Outbox) TransactionSettled(ctx context.Context, resp domain.TransactionResponse) error {
	event := NewEvent(resp, time.Now().UTC())

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return o.queue.Enqueue(ctx, Job{ID: event.ID, URL: o.url, Payload: payload})
}

// Sign returns the hex HMAC-SHA256 of payload, prefixed like "sha256=...".
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify is what a receiver does with the signature header.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// SenderOptions tunes delivery.
type SenderOptions struct {
	Timeout time.Duration
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// OpenFor is how long the circuit stays open before probing again.
	OpenFor time.Duration
}

func DefaultSenderOptions() SenderOptions {
	return SenderOptions{
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		OpenFor:          30 * time.Second,
	}
}

// Sender posts signed payloads behind a circuit breaker, so a dead endpoint
// costs one fast failure per job instead of a timeout.
type Sender struct {
	client  *http.Client
	secret  string
	breaker *gobreaker.CircuitBreaker
}

func NewSender(secret string, opts SenderOptions, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Sender{
		// Don't let slow merchants block us!
		client:  &http.Client{Timeout: opts.Timeout},
		secret:  secret,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Send delivers one job.
func (s *Sender) Send(ctx context.Context, job Job) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, job)
	})
	return err
}

func (s *Sender) post(ctx context.Context, job Job) error {
	// 1. Prepare Request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "GoPay-Webhook/1.0")
	req.Header.Set(EventIDHeader, job.ID.String())
	req.Header.Set(SignatureHeader, Sign(job.Payload, s.secret))

	// 2. Send
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 3. Check Response
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("merchant server returned error: %d", resp.StatusCode)
}

// IsCircuitOpen reports a delivery that was refused without being attempted.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
