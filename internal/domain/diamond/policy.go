package diamond

import (
	"fmt"
	"sort"
	"time"
)

// Canonical policy values. Every layer reads them from a Policy, never from its own copy.
const (
	DefaultInitialBalance = 15
	DefaultMaxBalance     = 10
	DefaultPurchaseCap    = 999
	DefaultRefillTimezone = "Asia/Tokyo"
)

// Action tags.
const (
	ActionCamera           = "camera"
	ActionViewResult       = "viewResult"
	ActionAddUser          = "addUser"
	ActionAdviceGeneration = "adviceGeneration"
	ActionHistoryView      = "historyView"
)

// DefaultActionCosts returns a fresh copy of the canonical cost table.
func DefaultActionCosts() map[string]int {
	return map[string]int{
		ActionCamera:           3,
		ActionViewResult:       4,
		ActionAddUser:          3,
		ActionAdviceGeneration: 1,
		ActionHistoryView:      1,
	}
}

// Pack is a purchasable bundle of diamonds. Price is in yen.
type Pack struct {
	ID          string `json:"id"`
	Diamonds    int    `json:"diamonds"`
	Price       int    `json:"price"`
	Description string `json:"description"`
}

// DefaultPacks returns the purchase catalog.
func DefaultPacks() []Pack {
	return []Pack{
		{ID: "standard", Diamonds: 50, Price: 120, Description: "Standard pack"},
		{ID: "value", Diamonds: 150, Price: 300, Description: "Value pack"},
		{ID: "premium", Diamonds: 500, Price: 800, Description: "Premium pack"},
	}
}

// Policy is the read-only ledger configuration shared by the engine, the
// stores and every client.
type Policy struct {
	InitialBalance int
	MaxBalance     int
	PurchaseCap    int
	Location       *time.Location
	costs          map[string]int
	packs          []Pack
}

// NewPolicy builds a policy. Non-positive or missing values fall back to the canonical defaults.
func NewPolicy(initial, max, purchaseCap int, loc *time.Location, costs map[string]int) (*Policy, error) {
	if initial < 0 {
		return nil, fmt.Errorf("initial balance must be >= 0, got %d", initial)
	}
	if max <= 0 {
		max = DefaultMaxBalance
	}
	if purchaseCap <= 0 {
		purchaseCap = DefaultPurchaseCap
	}
	if loc == nil {
		loc = time.UTC
	}
	if len(costs) == 0 {
		costs = DefaultActionCosts()
	}

	copied := make(map[string]int, len(costs))
	for action, cost := range costs {
		if action == "" || cost <= 0 {
			return nil, fmt.Errorf("invalid cost %d for action %q", cost, action)
		}
		copied[action] = cost
	}

	return &Policy{
		InitialBalance: initial,
		MaxBalance:     max,
		PurchaseCap:    purchaseCap,
		Location:       loc,
		costs:          copied,
		packs:          DefaultPacks(),
	}, nil
}

// DefaultPolicy returns the canonical policy in the default refill timezone.
func DefaultPolicy() *Policy {
	loc, err := time.LoadLocation(DefaultRefillTimezone)
	if err != nil {
		loc = time.UTC
	}
	p, _ := NewPolicy(DefaultInitialBalance, DefaultMaxBalance, DefaultPurchaseCap, loc, nil)
	return p
}

// Cost looks up the cost of an action tag.
func (p *Policy) Cost(action string) (int, error) {
	cost, ok := p.costs[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return cost, nil
}

// Costs returns a copy of the cost table.
func (p *Policy) Costs() map[string]int {
	out := make(map[string]int, len(p.costs))
	for k, v := range p.costs {
		out[k] = v
	}
	return out
}

// Actions returns the configured action tags in sorted order.
func (p *Policy) Actions() []string {
	actions := make([]string, 0, len(p.costs))
	for k := range p.costs {
		actions = append(actions, k)
	}
	sort.Strings(actions)
	return actions
}

// Packs returns the purchase catalog.
func (p *Policy) Packs() []Pack {
	out := make([]Pack, len(p.packs))
	copy(out, p.packs)
	return out
}

// Pack finds a purchase pack by id.
func (p *Policy) Pack(id string) (Pack, error) {
	for _, pack := range p.packs {
		if pack.ID == id {
			return pack, nil
		}
	}
	return Pack{}, fmt.Errorf("%w: %q", ErrUnknownPack, id)
}

// NewAccount returns the default record for a user seen for the first time.
func (p *Policy) NewAccount(userID string, now time.Time) *Account {
	return &Account{
		UserID:       userID,
		Balance:      p.InitialBalance,
		MaxBalance:   p.MaxBalance,
		LastRefillAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
