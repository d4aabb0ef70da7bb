package diamond

import (
	"database/sql"
	"time"
)

// Kind defines supported diamond transaction kinds.
type Kind string

const (
	KindConsumption Kind = "consumption"
	KindPurchase    Kind = "purchase"
	KindRefill      Kind = "refill"
)

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConsumption, KindPurchase, KindRefill:
		return true
	}
	return false
}

// Account is the per-user balance record.
type Account struct {
	UserID       string    `db:"user_id" json:"user_id"`
	Balance      int       `db:"balance" json:"balance"`
	MaxBalance   int       `db:"max_balance" json:"max_balance"`
	LastRefillAt time.Time `db:"last_refill_at" json:"last_refill_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger row.
type Transaction struct {
	ID             string         `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	Delta          int            `db:"delta" json:"delta"`
	Kind           Kind           `db:"kind" json:"kind"`
	Reason         string         `db:"reason" json:"reason"`
	IdempotencyKey sql.NullString `db:"idempotency_key" json:"-"`
	BalanceAfter   int            `db:"balance_after" json:"balance_after"`
	Price          int            `db:"price" json:"price,omitempty"`
	OccurredAt     time.Time      `db:"occurred_at" json:"occurred_at"`
}

// ConsumeResult is the outcome of a consume attempt.
// Balance is always the authoritative balance after the attempt.
type ConsumeResult struct {
	OK          bool         `json:"ok"`
	Balance     int          `json:"balance"`
	Cost        int          `json:"cost"`
	Replayed    bool         `json:"replayed"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// RefillResult is the outcome of a refill check.
type RefillResult struct {
	Applied      bool      `json:"applied"`
	Added        int       `json:"added"`
	Balance      int       `json:"balance"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// Snapshot is the read-only view returned by GetBalance.
type Snapshot struct {
	UserID       string        `json:"user_id"`
	Balance      int           `json:"balance"`
	MaxBalance   int           `json:"max_balance"`
	LastRefillAt time.Time     `json:"last_refill_at"`
	NextRefillAt time.Time     `json:"next_refill_at"`
	Recent       []Transaction `json:"recent,omitempty"`
}

// GrantRequest describes a balance increase from a purchase or manual credit.
type GrantRequest struct {
	Amount int
	Kind   Kind
	Reason string
	Price  int
}
