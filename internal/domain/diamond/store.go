package diamond

import (
	"context"
	"time"
)

// AccountStore is keyed storage of one Account per user.
type AccountStore interface {
	// Get returns the user's account, creating it with policy defaults if absent.
	Get(ctx context.Context, userID string) (*Account, error)
	// Save fully replaces the stored record.
	Save(ctx context.Context, acc *Account) error
}

// TransactionLog is the append-only per-user history.
type TransactionLog interface {
	Append(ctx context.Context, tx *Transaction) error
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Transaction, error)
	// Recent returns up to limit transactions, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// Unit is the per-user atomic scope handed to Store.Atomic. Every Save and
// Append made through it commits together or not at all.
type Unit interface {
	AccountStore
	TransactionLog
}

// Store is a durable backend that can run load-check-mutate-save-log as
// one serialized unit per user.
type Store interface {
	// Atomic runs fn with exclusive access to userID's account. If fn returns
	// an error nothing it wrote is persisted.
	Atomic(ctx context.Context, userID string, fn func(ctx context.Context, u Unit) error) error

	// Get is a get-or-create read outside any unit.
	Get(ctx context.Context, userID string) (*Account, error)
	Recent(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// Delete removes the account and its history.
	Delete(ctx context.Context, userID string) error
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// Clock returns the current time. Tests swap it to simulate calendar days.
type Clock func() time.Time
