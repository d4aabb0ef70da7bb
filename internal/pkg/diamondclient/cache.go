package diamondclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Ledger is the authoritative remote the cache defers to.
type Ledger interface {
	Consume(ctx context.Context, userID, action, idempotencyKey string) (*ConsumeResult, error)
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Policy(ctx context.Context) (*Policy, error)
}

// Outcome is the answer to TryConsume. Balance is the last known value; it
// is authoritative whenever Remote is true.
type Outcome struct {
	OK      bool
	Balance int
	Cost    int
	// Remote is false when the advisory local check rejected the action
	// without asking the server.
	Remote bool
	Err    error
}

// Cache is a read-mostly client view of balances. It never decrements on
// its own: entries are only overwritten with server answers.
type Cache struct {
	ledger Ledger

	mu       sync.RWMutex
	balances map[string]int
	costs    map[string]int
}

// NewCache creates an empty cache in front of ledger.
func NewCache(ledger Ledger) *Cache {
	return &Cache{
		ledger:   ledger,
		balances: make(map[string]int),
		costs:    make(map[string]int),
	}
}

// Peek returns the last known balance. ok is false if none was seen yet.
func (c *Cache) Peek(userID string) (balance int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	balance, ok = c.balances[userID]
	return balance, ok
}

// Cost returns the cached cost of action.
func (c *Cache) Cost(action string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cost, ok := c.costs[action]
	return cost, ok
}

// LoadPolicy replaces the cached cost table with the server's.
func (c *Cache) LoadPolicy(ctx context.Context) error {
	p, err := c.ledger.Policy(ctx)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	costs := make(map[string]int, len(p.Costs))
	for k, v := range p.Costs {
		costs[k] = v
	}

	c.mu.Lock()
	c.costs = costs
	c.mu.Unlock()
	return nil
}

// Refresh overwrites the cached balance with the server's.
func (c *Cache) Refresh(ctx context.Context, userID string) (int, error) {
	b, err := c.ledger.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.store(userID, b.Balance)
	return b.Balance, nil
}

// TryConsume runs the advisory local check and, if it passes, the remote
// consume. The cache takes the server's balance whatever the outcome.
// An action whose cost is unknown locally always goes to the server.
func (c *Cache) TryConsume(ctx context.Context, userID, action string) Outcome {
	cached, known := c.Peek(userID)
	cost, priced := c.Cost(action)
	if known && priced && cached < cost {
		return Outcome{OK: false, Balance: cached, Cost: cost, Err: ErrInsufficientBalance}
	}

	res, err := c.ledger.Consume(ctx, userID, action, uuid.NewString())
	if res != nil {
		c.store(userID, res.Balance)
		if res.Cost > 0 {
			cost = res.Cost
		}
		return Outcome{OK: res.OK && err == nil, Balance: res.Balance, Cost: cost, Remote: true, Err: err}
	}

	return Outcome{OK: false, Balance: cached, Cost: cost, Remote: true, Err: err}
}

// TryConsumeAsync runs TryConsume in the background. The channel receives
// exactly one Outcome and is then closed. Callers bound the wait with ctx.
func (c *Cache) TryConsumeAsync(ctx context.Context, userID, action string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- c.TryConsume(ctx, userID, action)
	}()
	return ch
}

// Forget drops a user's cached balance.
func (c *Cache) Forget(userID string) {
	c.mu.Lock()
	delete(c.balances, userID)
	c.mu.Unlock()
}

func (c *Cache) store(userID string, balance int) {
	c.mu.Lock()
	c.balances[userID] = balance
	c.mu.Unlock()
}
