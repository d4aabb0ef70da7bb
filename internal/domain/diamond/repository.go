package diamond

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func dialectOf(driver string) dialect {
	switch driver {
	case "sqlite", "sqlite3":
		return dialectSQLite
	}
	return dialectPostgres
}

const (
	accountColumns = `user_id, balance, max_balance, last_refill_at, created_at, updated_at`
	txColumns      = `id, user_id, delta, kind, reason, idempotency_key, balance_after, price, occurred_at`
)

// Repository is the relational Store. On Postgres the account row is held
// with SELECT ... FOR UPDATE for the whole unit; on SQLite the pool is
// limited to one connection so units are serialized by the database handle.
type Repository struct {
	db      *sqlx.DB
	dialect dialect
	policy  *Policy
	now     Clock
	timeout time.Duration
}

// NewRepository creates a relational store. The dialect follows db.DriverName().
func NewRepository(db *sqlx.DB, policy *Policy, now Clock, timeout time.Duration) *Repository {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = queryTimeout
	}
	return &Repository{
		db:      db,
		dialect: dialectOf(db.DriverName()),
		policy:  policy,
		now:     now,
		timeout: timeout,
	}
}

// Get implements Store.
func (r *Repository) Get(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.ensureAccount(ctx2, r.db, userID); err != nil {
		return nil, err
	}

	var acc Account
	err := r.db.GetContext(ctx2, &acc, r.db.Rebind(`SELECT `+accountColumns+` FROM diamond_accounts WHERE user_id = ?`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("get account", err)
	}
	return &acc, nil
}

// Recent implements Store.
func (r *Repository) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.recent(ctx2, r.db, userID, limit)
}

// Delete implements Store.
func (r *Repository) Delete(ctx context.Context, userID string) error {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, nil)
	if err != nil {
		return wrapStorage("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx2, tx.Rebind(`DELETE FROM diamond_transactions WHERE user_id = ?`), userID); err != nil {
		return wrapStorage("delete transactions", err)
	}
	if _, err := tx.ExecContext(ctx2, tx.Rebind(`DELETE FROM diamond_accounts WHERE user_id = ?`), userID); err != nil {
		return wrapStorage("delete account", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit tx", err)
	}
	return nil
}

// Atomic implements Store.
func (r *Repository) Atomic(ctx context.Context, userID string, fn func(ctx context.Context, u Unit) error) error {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var opts *sql.TxOptions
	if r.dialect == dialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := r.db.BeginTxx(ctx2, opts)
	if err != nil {
		return wrapStorage("begin tx", err)
	}
	defer tx.Rollback()

	acc, err := r.lockAccount(ctx2, tx, userID)
	if err != nil {
		return err
	}

	if err := fn(ctx2, &sqlUnit{repo: r, tx: tx, account: acc}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit tx", err)
	}
	return nil
}

func (r *Repository) ensureAccount(ctx context.Context, q sqlx.ExtContext, userID string) error {
	acc := r.policy.NewAccount(userID, r.now())
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO diamond_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), acc.UserID, acc.Balance, acc.MaxBalance, acc.LastRefillAt, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return wrapStorage("ensure account", err)
	}
	return nil
}

func (r *Repository) lockAccount(ctx context.Context, tx *sqlx.Tx, userID string) (*Account, error) {
	if err := r.ensureAccount(ctx, tx, userID); err != nil {
		return nil, err
	}

	query := `SELECT ` + accountColumns + ` FROM diamond_accounts WHERE user_id = ?`
	if r.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}

	var acc Account
	if err := tx.GetContext(ctx, &acc, tx.Rebind(query), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("lock account", err)
	}
	return &acc, nil
}

func (r *Repository) recent(ctx context.Context, q sqlx.QueryerContext, userID string, limit int) ([]Transaction, error) {
	txs := make([]Transaction, 0)
	err := sqlx.SelectContext(ctx, q, &txs, r.db.Rebind(`
		SELECT `+txColumns+`
		FROM diamond_transactions
		WHERE user_id = ?
		ORDER BY occurred_at DESC, seq DESC
		LIMIT ?
	`), userID, clampLimit(limit))
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}
	return txs, nil
}

// sqlUnit binds a Unit to one open database transaction.
type sqlUnit struct {
	repo    *Repository
	tx      *sqlx.Tx
	account *Account
}

func (u *sqlUnit) Get(_ context.Context, userID string) (*Account, error) {
	if userID != u.account.UserID {
		return nil, fmt.Errorf("%w: unit is bound to another user", ErrNotFound)
	}
	acc := *u.account
	return &acc, nil
}

func (u *sqlUnit) Save(ctx context.Context, acc *Account) error {
	if acc.Balance < 0 {
		return ErrInsufficientBalance
	}

	result, err := u.tx.ExecContext(ctx, u.tx.Rebind(`
		UPDATE diamond_accounts
		SET balance = ?, max_balance = ?, last_refill_at = ?, updated_at = ?
		WHERE user_id = ?
	`), acc.Balance, acc.MaxBalance, acc.LastRefillAt, acc.UpdatedAt, acc.UserID)
	if err != nil {
		return wrapStorage("update account", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStorage("rows affected", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	saved := *acc
	u.account = &saved
	return nil
}

func (u *sqlUnit) Append(ctx context.Context, t *Transaction) error {
	_, err := u.tx.ExecContext(ctx, u.tx.Rebind(`
		INSERT INTO diamond_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.UserID, t.Delta, string(t.Kind), t.Reason, t.IdempotencyKey, t.BalanceAfter, t.Price, t.OccurredAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %w: duplicate idempotency key", ErrStorageUnavailable, ErrConflict)
		}
		return wrapStorage("insert transaction", err)
	}
	return nil
}

func (u *sqlUnit) FindByIdempotencyKey(ctx context.Context, userID, key string) (*Transaction, error) {
	var t Transaction
	err := u.tx.GetContext(ctx, &t, u.tx.Rebind(`
		SELECT `+txColumns+`
		FROM diamond_transactions
		WHERE user_id = ? AND idempotency_key = ?
		LIMIT 1
	`), userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("find idempotency key", err)
	}
	return &t, nil
}

func (u *sqlUnit) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return u.repo.recent(ctx, u.tx, userID, limit)
}
