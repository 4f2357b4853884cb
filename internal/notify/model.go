package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reflexduel/internal/event"
)

// BatchLimit caps how many outbox rows one dispatch run reads. Excess rows
// wait for the next scheduled run.
const BatchLimit = 100

// Undeliverable rows are retried with exponential backoff between these
// bounds so they never hold the head of the queue.
const (
	RetryBaseDelay = time.Minute
	RetryMaxDelay  = time.Hour
)

// RetryDelay is the wait before the next attempt once a row has failed
// attempts times.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= RetryMaxDelay {
			return RetryMaxDelay
		}
	}
	return delay
}

var (
	ErrMalformedPayload = errors.New("malformed notification payload")
	ErrDispatchBusy     = errors.New("another dispatch run holds the lock")
)

type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	URL   string         `json:"url"`
	Image string         `json:"image,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Body) == "" {
		return ErrMalformedPayload
	}
	return nil
}

// Intent is one notification the producer wants delivered. DedupeKey is
// unique per semantic event per user; enqueueing it twice is a no-op.
type Intent struct {
	UserID    string
	Type      event.Type
	Payload   Payload
	DedupeKey string
}

func (in Intent) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("notification target user is required")
	}
	if !in.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", in.Type)
	}
	if strings.TrimSpace(in.DedupeKey) == "" {
		return fmt.Errorf("notification dedupe key is required")
	}
	return in.Payload.Validate()
}

// Row is one persisted outbox entry. Rows are never deleted; besides the
// flip to consumed only the retry bookkeeping changes. A zero NextAttemptAt
// means the row is due now.
type Row struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Type          event.Type `json:"type"`
	Payload       Payload    `json:"payload"`
	DedupeKey     string     `json:"dedupe_key"`
	Consumed      bool       `json:"consumed"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Due reports whether the row may be attempted at now.
func (r Row) Due(now time.Time) bool {
	return !r.NextAttemptAt.After(now)
}

// DeliveryError records a failed push for one recipient. It never fails the
// batch.
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
