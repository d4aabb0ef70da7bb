package diamond

import "time"

// ConsumeRequest for POST /diamonds/consume
type ConsumeRequest struct {
	Action         string `json:"action" validate:"required,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128,idempotency_key"`
}

// PurchaseRequest for POST /diamonds/purchase. Either a catalog pack or a
// raw amount with its price.
type PurchaseRequest struct {
	PackID string `json:"pack_id" validate:"omitempty,max=32"`
	Amount int    `json:"amount"`
	Price  int    `json:"price" validate:"gte=0"`
}

// GrantBody for POST /admin/users/{id}/diamonds/grant
type GrantBody struct {
	Amount int    `json:"amount"`
	Kind   string `json:"kind" validate:"grant_kind"`
	Reason string `json:"reason" validate:"max=200"`
	Price  int    `json:"price" validate:"gte=0"`
}

// BalanceResponse is returned after any balance change
type BalanceResponse struct {
	Balance int `json:"balance"`
}

type ConsumeResponse struct {
	OK            bool   `json:"ok"`
	Balance       int    `json:"balance"`
	Cost          int    `json:"cost"`
	Replayed      bool   `json:"replayed"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type PurchaseResponse struct {
	Balance int   `json:"balance"`
	Pack    *Pack `json:"pack,omitempty"`
}

// CostsResponse is the policy table served to clients
type CostsResponse struct {
	Costs          map[string]int `json:"costs"`
	InitialBalance int            `json:"initial_balance"`
	MaxBalance     int            `json:"max_balance"`
	PurchaseCap    int            `json:"purchase_cap"`
	RefillTimezone string         `json:"refill_timezone"`
	Packs          []Pack         `json:"packs"`
}

type UnlockResponse struct {
	Action     string    `json:"action"`
	Balance    int       `json:"balance"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

func newConsumeResponse(r *ConsumeResult) ConsumeResponse {
	resp := ConsumeResponse{OK: r.OK, Balance: r.Balance, Cost: r.Cost, Replayed: r.Replayed}
	if r.Transaction != nil {
		resp.TransactionID = r.Transaction.ID
	}
	return resp
}
