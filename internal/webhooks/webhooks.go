// Package webhooks delivers trade lifecycle events to the chat frontends.
//
// A frontend registers a URL and the event types it wants. Every delivery is a
// JSON POST signed with HMAC-SHA256 over the body using the subscription
// secret. The event names the users it concerns, so the frontend knows whom
// to message.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/escrowbot/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrowbot-Event"
	HeaderTimestamp = "X-Escrowbot-Timestamp"
	HeaderSignature = "X-Escrowbot-Signature"
)

// MaxConsecutiveFailures deactivates a subscription whose endpoint keeps failing.
const MaxConsecutiveFailures = 10

var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventTransactionCreated   EventType = "transaction.created"
	EventTransactionLinked    EventType = "transaction.linked"
	EventTransactionDisputed  EventType = "transaction.disputed"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionRefunded  EventType = "transaction.refunded"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventTransactionExpired   EventType = "transaction.expired"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeResolved      EventType = "dispute.resolved"
	EventWithdrawalSent       EventType = "withdrawal.sent"
	EventWithdrawalFailed     EventType = "withdrawal.failed"
)

var knownEvents = map[EventType]bool{
	EventTransactionCreated:   true,
	EventTransactionLinked:    true,
	EventTransactionDisputed:  true,
	EventTransactionCompleted: true,
	EventTransactionRefunded:  true,
	EventTransactionCancelled: true,
	EventTransactionExpired:   true,
	EventDisputeOpened:        true,
	EventDisputeResolved:      true,
	EventWithdrawalSent:       true,
	EventWithdrawalFailed:     true,
}

// IsKnown reports whether t is an event this service emits.
func IsKnown(t EventType) bool {
	return knownEvents[t]
}

// Event represents a webhook event
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Recipients []int64     `json:"recipients"` // chat users to notify
	Data       interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// GetByEvent returns the active subscriptions to eventType.
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	// RecordResult stores the outcome of a delivery.
	RecordResult(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store     Store
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		logger:    logger,
	}
}

// WithRetry overrides the delivery attempts and first backoff delay.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	d.attempts = attempts
	d.baseDelay = baseDelay
	return d
}

// Dispatch sends an event to every active subscriber of its type. Deliveries
// run in the background and outlive ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(bg, sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})

	now := time.Now()
	if err == nil {
		deliveriesTotal.WithLabelValues(string(event.Type), "ok").Inc()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		deliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
			d.logger.Warn("webhook subscription deactivated",
				"subscriptionId", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
		}
		d.logger.Warn("webhook delivery failed",
			"subscriptionId", sub.ID, "event", event.Type, "eventId", event.ID, "error", err)
	}

	if err := d.store.RecordResult(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook result", "subscriptionId", sub.ID, "error", err)
	}
}

// statusError is a non-2xx response. 5xx and 429 are worth retrying.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func (e *statusError) Retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a delivery signature in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
