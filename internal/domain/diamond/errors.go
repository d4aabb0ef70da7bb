package diamond

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance is returned when the balance does not cover an action's cost
	ErrInsufficientBalance = errors.New("insufficient diamond balance")

	// ErrUnknownAction is returned when an action tag is not in the cost table
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidAmount is returned when a grant amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	ErrInvalidKind = errors.New("invalid transaction kind")

	ErrUnknownPack = errors.New("unknown purchase pack")

	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable wraps transient storage failures. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound should never surface after get-or-create.
	ErrNotFound = errors.New("account not found")

	// ErrIdempotencyConflict is returned when a key is reused for a different action
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different action")

	// ErrConflict is returned when a unit loses a race for a user's rows.
	// Stores wrap it in ErrStorageUnavailable; a retry with the same key is safe.
	ErrConflict = errors.New("concurrent update conflict")
)

func wrapStorage(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// InsufficientBalanceError carries the authoritative balance at rejection time.
// It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Action  string
	Cost    int
	Balance int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s costs %d, balance is %d", ErrInsufficientBalance, e.Action, e.Cost, e.Balance)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}
