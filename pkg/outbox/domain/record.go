package domain

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// MaxErrorLength bounds error_message in the ledger.
const MaxErrorLength = 500

var ErrIllegalTransition = errors.New("illegal outbox status transition")

// CanTransition reports whether a record may move from s to next.
// PUBLISHED is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusPublished || next == StatusFailed
	default:
		return false
	}
}

type OutboxRecord struct {
	ID           int64      `db:"id"`
	EventType    string     `db:"event_type"`
	AggregateID  int64      `db:"aggregate_id"`
	Payload      string     `db:"payload"`
	Status       Status     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	PublishedAt  *time.Time `db:"published_at"`
	RetryCount   int        `db:"retry_count"`
	ErrorMessage *string    `db:"error_message"`
}

func NewRecord(eventType string, aggregateID int64, payload []byte) *OutboxRecord {
	return &OutboxRecord{
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     string(payload),
		Status:      StatusPending,
	}
}

func (r *OutboxRecord) MarkPublished(at time.Time) error {
	if !r.Status.CanTransition(StatusPublished) {
		return fmt.Errorf("record %d %s -> %s: %w", r.ID, r.Status, StatusPublished, ErrIllegalTransition)
	}

	r.Status = StatusPublished
	r.PublishedAt = &at
	r.ErrorMessage = nil

	return nil
}

func (r *OutboxRecord) MarkFailed(cause error) error {
	if !r.Status.CanTransition(StatusFailed) {
		return fmt.Errorf("record %d %s -> %s: %w", r.ID, r.Status, StatusFailed, ErrIllegalTransition)
	}

	msg := TruncateError(cause.Error())
	r.Status = StatusFailed
	r.RetryCount++
	r.ErrorMessage = &msg

	return nil
}

// Exhausted reports whether the retry schedule will never pick the record up again.
func (r *OutboxRecord) Exhausted(maxRetries int, retryWindow time.Duration, now time.Time) bool {
	if r.Status != StatusFailed {
		return false
	}

	return r.RetryCount >= maxRetries || !r.CreatedAt.After(now.Add(-retryWindow))
}

// TruncateError cuts msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}

	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}
