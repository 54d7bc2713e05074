package domain

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation an outbox entry carries.
type Operation string

const (
	OpCreate   Operation = "CREATE"
	OpUpdate   Operation = "UPDATE"
	OpDelete   Operation = "DELETE"
	OpActivate Operation = "ACTIVATE"
)

// Direction distinguishes locally-produced mutations (PUSH) from
// progress-tracking entries for remote state being pulled down (PULL).
type Direction string

const (
	DirectionPush Direction = "PUSH"
	DirectionPull Direction = "PULL"
)

// ErrorCategory classifies a failed delivery attempt.
// TRANSIENT failures keep retrying with backoff; PERMANENT and
// STRUCTURAL failures cannot succeed by retrying and leave the active
// retry path; UNKNOWN is retried until max_attempts is exhausted.
type ErrorCategory string

const (
	ErrorPermanent  ErrorCategory = "PERMANENT"
	ErrorStructural ErrorCategory = "STRUCTURAL"
	ErrorTransient  ErrorCategory = "TRANSIENT"
	ErrorUnknown    ErrorCategory = "UNKNOWN"
)

// DeadLetterReason records why an entry was removed from the retry path.
type DeadLetterReason string

const (
	ReasonMaxAttempts       DeadLetterReason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonPermanentError    DeadLetterReason = "PERMANENT_ERROR"
	ReasonStructuralFailure DeadLetterReason = "STRUCTURAL_FAILURE"
	ReasonManual            DeadLetterReason = "MANUAL"
)

// DefaultMaxAttempts is applied when an enqueue does not set its own limit.
const DefaultMaxAttempts = 5

// OutboxEntry is a single queued mutation. Exactly one of
// {pending, synced, dead-lettered} holds at any time: synced_at set
// means synced, dead_lettered set means dead-lettered, neither means
// pending.
type OutboxEntry struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	EntityType       string            `json:"entity_type"`
	EntityID         string            `json:"entity_id"`
	Operation        Operation         `json:"operation"`
	Payload          json.RawMessage   `json:"payload"`
	Priority         int               `json:"priority"`
	Direction        Direction         `json:"direction"`
	IdempotencyKey   *string           `json:"idempotency_key,omitempty"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	LastError        *string           `json:"last_error,omitempty"`
	ErrorCategory    *ErrorCategory    `json:"error_category,omitempty"`
	RetryAfter       *time.Time        `json:"retry_after,omitempty"`
	LastAttemptAt    *time.Time        `json:"last_attempt_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	SyncedAt         *time.Time        `json:"synced_at,omitempty"`
	Deferred         bool              `json:"deferred"`
	DeadLettered     bool              `json:"dead_lettered"`
	DeadLetterReason *DeadLetterReason `json:"dead_letter_reason,omitempty"`
	DeadLetteredAt   *time.Time        `json:"dead_lettered_at,omitempty"`

	// Diagnostic context from the most recent delivery attempt.
	APIEndpoint  *string `json:"api_endpoint,omitempty"`
	HTTPStatus   *int    `json:"http_status,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
}

// IsPending reports whether the entry is still awaiting delivery.
func (e *OutboxEntry) IsPending() bool {
	return e.SyncedAt == nil && !e.DeadLettered
}

// InBackoff reports whether the entry is pending but not yet retryable.
func (e *OutboxEntry) InBackoff(now time.Time) bool {
	return e.IsPending() && e.RetryAfter != nil && e.RetryAfter.After(now)
}

// AttemptsExhausted reports whether the entry has used up its retry budget.
func (e *OutboxEntry) AttemptsExhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// AutoDeadLetterReason maps the recorded error category onto the
// reason used by automatic dead-letter promotion.
func (e *OutboxEntry) AutoDeadLetterReason() DeadLetterReason {
	if e.ErrorCategory != nil {
		switch *e.ErrorCategory {
		case ErrorPermanent:
			return ReasonPermanentError
		case ErrorStructural:
			return ReasonStructuralFailure
		}
	}
	return ReasonMaxAttempts
}

// EnqueueInput holds the caller-supplied fields for a new outbox entry.
type EnqueueInput struct {
	TenantID    string          `json:"tenant_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Direction   Direction       `json:"direction"`
	MaxAttempts int             `json:"max_attempts"`
}

// AttemptContext carries diagnostic details recorded with a failed attempt.
type AttemptContext struct {
	APIEndpoint  string
	HTTPStatus   int
	ResponseBody string
}
