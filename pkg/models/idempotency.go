package models

import (
	"errors"
	"fmt"
	"time"
)

// IdempotencyStatus represents the lifecycle state of an idempotent
// operation record.
//
//	pending → in_progress → completed
//	                      → failed → in_progress   (one retry)
type IdempotencyStatus string

const (
	// IdempotencyStatusPending indicates a placeholder record claimed by
	// a readiness check but not yet started.
	IdempotencyStatusPending IdempotencyStatus = "pending"

	// IdempotencyStatusInProgress indicates the operation is executing.
	// A duplicate start against this state is rejected.
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"

	// IdempotencyStatusCompleted indicates the operation finished and its
	// result payload is cached until expiry.
	IdempotencyStatusCompleted IdempotencyStatus = "completed"

	// IdempotencyStatusFailed indicates the operation failed. A failed
	// record permits exactly one retry, which overwrites it with a fresh
	// in_progress record.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// String returns the string representation of the idempotency status.
func (s IdempotencyStatus) String() string {
	return string(s)
}

// Valid reports whether the idempotency status is one of the recognized
// values.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusPending, IdempotencyStatusInProgress,
		IdempotencyStatusCompleted, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord deduplicates retried operations. A key maps to at
// most one non-expired record at a time; expired records are evicted on
// read or by periodic cleanup.
type IdempotencyRecord struct {
	// Key is the deterministic operation fingerprint, formatted
	// "<operation>_<hash>".
	Key string `json:"key" db:"key"`

	// Operation names the deduplicated operation (e.g., "create_flow").
	Operation string `json:"operation" db:"operation"`

	// Status is the record's lifecycle state.
	Status IdempotencyStatus `json:"status" db:"status"`

	// Result holds the completed operation's payload, returned to
	// duplicate callers. Nil until completed.
	Result map[string]any `json:"result,omitempty" db:"result"`

	// ErrorMessage holds the failure details for failed records.
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// RequestHash is the SHA-256 hex digest of the normalized request
	// data the key was derived from.
	RequestHash string `json:"request_hash" db:"request_hash"`

	// CreatedAt is the UTC creation timestamp.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the UTC timestamp of the last status change.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// ExpiresAt is the UTC expiry after which the record is evicted.
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Validate checks that required fields are present and the status is
// recognized.
func (r *IdempotencyRecord) Validate() error {
	if r.Key == "" {
		return errors.New("models: idempotency key is required")
	}
	if r.Operation == "" {
		return errors.New("models: idempotency operation is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("models: invalid idempotency status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		return errors.New("models: idempotency created_at is required")
	}
	if r.ExpiresAt.IsZero() {
		return errors.New("models: idempotency expires_at is required")
	}
	return nil
}

// Expired reports whether the record has passed its expiry at the given
// instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
