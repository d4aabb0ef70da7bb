package diamond

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/pkg/logger"
	"github.com/sogan/sogan-api/internal/pkg/metrics"
)

const (
	snapshotHistory = 10
	refillReason    = "daily refill"
)

// Service is the ledger engine: the only code path that changes a balance.
// Consume, Grant and Refill each run as one atomic unit per user.
type Service struct {
	store     Store
	policy    *Policy
	scheduler *Scheduler
	now       Clock
}

// NewService creates the ledger engine.
func NewService(store Store, policy *Policy, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		policy:    policy,
		scheduler: NewScheduler(policy.Location),
		now:       now,
	}
}

// Policy returns the shared policy table.
func (s *Service) Policy() *Policy {
	return s.policy
}

// GetBalance returns the current balance without mutating it.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Snapshot, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	acc, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, s.storageFailure("get_balance", err)
	}
	recent, err := s.store.Recent(ctx, userID, snapshotHistory)
	if err != nil {
		return nil, s.storageFailure("get_balance", err)
	}

	return &Snapshot{
		UserID:       acc.UserID,
		Balance:      acc.Balance,
		MaxBalance:   acc.MaxBalance,
		LastRefillAt: acc.LastRefillAt,
		NextRefillAt: s.scheduler.NextRefillAt(s.now()),
		Recent:       recent,
	}, nil
}

// Consume charges the cost of action. A retry with the same idempotency key
// returns the recorded outcome instead of charging again. When the balance
// is too low the result carries the current balance and the error is an
// *InsufficientBalanceError.
func (s *Service) Consume(ctx context.Context, userID, action, key string) (*ConsumeResult, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	cost, err := s.policy.Cost(action)
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)

	var (
		result ConsumeResult
		refill refillOutcome
	)
	err = s.store.Atomic(context.WithoutCancel(ctx), userID, func(ctx context.Context, u Unit) error {
		result = ConsumeResult{Cost: cost}
		now := s.now()

		acc, err := u.Get(ctx, userID)
		if err != nil {
			return err
		}
		refill, err = s.applyRefill(ctx, u, acc, now)
		if err != nil {
			return err
		}
		refilled := refill.due

		if key != "" {
			prior, err := u.FindByIdempotencyKey(ctx, userID, key)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.Kind != KindConsumption || prior.Reason != action {
					return ErrIdempotencyConflict
				}
				result.OK = true
				result.Replayed = true
				result.Balance = prior.BalanceAfter
				result.Transaction = prior
				if refilled {
					return u.Save(ctx, acc)
				}
				return nil
			}
		}

		if acc.Balance < cost {
			result.Balance = acc.Balance
			if refilled {
				return u.Save(ctx, acc)
			}
			return nil
		}

		acc.Balance -= cost
		acc.UpdatedAt = now
		t := &Transaction{
			ID:           uuid.NewString(),
			UserID:       userID,
			Delta:        -cost,
			Kind:         KindConsumption,
			Reason:       action,
			BalanceAfter: acc.Balance,
			OccurredAt:   now,
		}
		if key != "" {
			t.IdempotencyKey = sql.NullString{String: key, Valid: true}
		}
		if err := u.Append(ctx, t); err != nil {
			return err
		}
		if err := u.Save(ctx, acc); err != nil {
			return err
		}

		result.OK = true
		result.Balance = acc.Balance
		result.Transaction = t
		return nil
	})
	if err != nil {
		return nil, s.storageFailure("consume", err)
	}
	refill.record()

	log := logger.FromContext(ctx)
	switch {
	case result.Replayed:
		metrics.RecordConsume(action, metrics.OutcomeReplayed)
		log.Info().Str("user_id", userID).Str("action", action).Str("idempotency_key", key).Int("balance", result.Balance).Msg("diamond consume replayed")
	case result.OK:
		metrics.RecordConsume(action, metrics.OutcomeOK)
		log.Info().Str("user_id", userID).Str("action", action).Int("delta", -cost).Int("balance", result.Balance).Msg("diamonds consumed")
	default:
		metrics.RecordConsume(action, metrics.OutcomeInsufficient)
		log.Debug().Str("user_id", userID).Str("action", action).Int("cost", cost).Int("balance", result.Balance).Msg("diamond consume rejected")
		return &result, &InsufficientBalanceError{Action: action, Cost: cost, Balance: result.Balance}
	}
	return &result, nil
}

// ChargeAction consumes action and returns only the resulting balance. It
// backs the spend-before-use gate in front of feature handlers.
func (s *Service) ChargeAction(ctx context.Context, userID, action, key string) (int, error) {
	result, err := s.Consume(ctx, userID, action, key)
	if err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// Grant adds diamonds from a purchase or manual credit. The refill ceiling
// does not apply; the purchase cap saturates the balance instead of wrapping.
func (s *Service) Grant(ctx context.Context, userID string, req GrantRequest) (int, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if req.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if req.Kind == "" {
		req.Kind = KindPurchase
	}
	if req.Kind != KindPurchase && req.Kind != KindRefill {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = string(req.Kind)
	}

	var balance, added int
	err := s.store.Atomic(context.WithoutCancel(ctx), userID, func(ctx context.Context, u Unit) error {
		now := s.now()
		acc, err := u.Get(ctx, userID)
		if err != nil {
			return err
		}

		// Balance+Amount may overflow; compare against the headroom instead.
		next := max(acc.Balance, s.policy.PurchaseCap)
		if req.Amount < s.policy.PurchaseCap-acc.Balance {
			next = acc.Balance + req.Amount
		}
		added = next - acc.Balance
		balance = acc.Balance
		if added == 0 {
			return nil
		}

		acc.Balance = next
		acc.UpdatedAt = now
		if err := u.Append(ctx, &Transaction{
			ID:           uuid.NewString(),
			UserID:       userID,
			Delta:        added,
			Kind:         req.Kind,
			Reason:       req.Reason,
			BalanceAfter: acc.Balance,
			Price:        req.Price,
			OccurredAt:   now,
		}); err != nil {
			return err
		}
		if err := u.Save(ctx, acc); err != nil {
			return err
		}

		balance = acc.Balance
		return nil
	})
	if err != nil {
		return 0, s.storageFailure("grant", err)
	}

	metrics.RecordGrant(string(req.Kind), added)
	if added == 0 {
		logger.FromContext(ctx).Debug().
			Str("user_id", userID).
			Str("kind", string(req.Kind)).
			Int("requested", req.Amount).
			Int("balance", balance).
			Msg("grant skipped at purchase cap")
		return balance, nil
	}
	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Str("kind", string(req.Kind)).
		Int("requested", req.Amount).
		Int("delta", added).
		Int("price", req.Price).
		Int("balance", balance).
		Msg("diamonds granted")
	return balance, nil
}

// Purchase grants the diamonds of a catalog pack and records its price.
func (s *Service) Purchase(ctx context.Context, userID, packID string) (int, *Pack, error) {
	pack, err := s.policy.Pack(packID)
	if err != nil {
		return 0, nil, err
	}
	balance, err := s.Grant(ctx, userID, GrantRequest{
		Amount: pack.Diamonds,
		Kind:   KindPurchase,
		Reason: "pack:" + pack.ID,
		Price:  pack.Price,
	})
	if err != nil {
		return 0, nil, err
	}
	return balance, &pack, nil
}

// Refill applies the daily top-up if today's opportunity is still open.
func (s *Service) Refill(ctx context.Context, userID string) (*RefillResult, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	var (
		result RefillResult
		refill refillOutcome
	)
	err := s.store.Atomic(context.WithoutCancel(ctx), userID, func(ctx context.Context, u Unit) error {
		acc, err := u.Get(ctx, userID)
		if err != nil {
			return err
		}

		before := acc.Balance
		refill, err = s.applyRefill(ctx, u, acc, s.now())
		if err != nil {
			return err
		}
		if refill.due {
			if err := u.Save(ctx, acc); err != nil {
				return err
			}
		}

		result = RefillResult{
			Applied:      acc.Balance > before,
			Added:        acc.Balance - before,
			Balance:      acc.Balance,
			LastRefillAt: acc.LastRefillAt,
		}
		return nil
	})
	if err != nil {
		return nil, s.storageFailure("refill", err)
	}
	refill.record()

	if refill.due {
		logger.FromContext(ctx).Info().
			Str("user_id", userID).
			Int("delta", result.Added).
			Int("balance", result.Balance).
			Msg("daily refill checked")
	}
	return &result, nil
}

// History returns up to limit transactions, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	txs, err := s.store.Recent(ctx, userID, limit)
	if err != nil {
		return nil, s.storageFailure("history", err)
	}
	return txs, nil
}

// Delete removes a user's account and history.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID); err != nil {
		return s.storageFailure("delete", err)
	}
	logger.FromContext(ctx).Info().Str("user_id", userID).Msg("diamond account deleted")
	return nil
}

// refillOutcome is what applyRefill did inside a unit. Metrics are recorded
// from it only once the unit has committed.
type refillOutcome struct {
	due   bool
	added int
}

func (o refillOutcome) record() {
	if !o.due {
		return
	}
	metrics.RecordRefill(o.added > 0)
	metrics.RecordGrant(string(KindRefill), o.added)
}

// applyRefill runs the scheduler against acc and logs a non-zero top-up.
// The caller owns saving acc.
func (s *Service) applyRefill(ctx context.Context, u Unit, acc *Account, now time.Time) (refillOutcome, error) {
	added, due := s.scheduler.Apply(acc, now)
	out := refillOutcome{due: due, added: added}
	if !due || added == 0 {
		return out, nil
	}

	err := u.Append(ctx, &Transaction{
		ID:           uuid.NewString(),
		UserID:       acc.UserID,
		Delta:        added,
		Kind:         KindRefill,
		Reason:       refillReason,
		BalanceAfter: acc.Balance,
		OccurredAt:   now,
	})
	return out, err
}

func (s *Service) storageFailure(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		metrics.RecordStorageError(op)
	}
	return err
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	return nil
}
