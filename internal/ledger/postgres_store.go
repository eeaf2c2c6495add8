package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/otcmesh/otcmesh/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// Overdraft protection lives in the database: CHECK constraints keep both
// balance columns non-negative, so a racing debit that would overdraw fails
// at commit no matter what the application believed. Idempotency also lives
// in the database: a unique index on (reference, user_id, currency) makes a
// replayed mutation collide, and the store resolves the collision by
// returning the already-settled row.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, user_id, type, amount, currency, status, reference, description, counterparty_id, created_at, updated_at`

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT fiat, stable, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.Fiat, &bal.Stable, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{
			UserID:    userID,
			Fiat:      money.Zero(money.Fiat),
			Stable:    money.Zero(money.Stable),
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, t *Transaction) (*Transaction, bool, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer dbtx.Rollback()

	if err := p.insertLeg(ctx, dbtx, t); err != nil {
		if isUniqueViolation(err) {
			existing, ferr := p.FindByReference(ctx, t.Reference)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := p.applyCredit(ctx, dbtx, t.UserID, t.Currency, t.Amount); err != nil {
		return nil, false, err
	}

	if err := dbtx.Commit(); err != nil {
		return nil, false, err
	}
	cp := *t
	return &cp, true, nil
}

func (p *PostgresStore) Debit(ctx context.Context, t *Transaction) (*Transaction, bool, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer dbtx.Rollback()

	if err := p.insertLeg(ctx, dbtx, t); err != nil {
		if isUniqueViolation(err) {
			existing, ferr := p.FindByReference(ctx, t.Reference)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := p.applyDebit(ctx, dbtx, t.UserID, t.Currency, t.Amount); err != nil {
		return nil, false, err
	}

	if err := dbtx.Commit(); err != nil {
		if isCheckViolation(err) {
			return nil, false, ErrInsufficientFunds
		}
		return nil, false, err
	}
	cp := *t
	return &cp, true, nil
}

func (p *PostgresStore) Transfer(ctx context.Context, debit, credit *Transaction) (bool, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer dbtx.Rollback()

	if err := p.insertLeg(ctx, dbtx, debit); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	if err := p.insertLeg(ctx, dbtx, credit); err != nil {
		return false, err
	}

	if err := p.applyDebit(ctx, dbtx, debit.UserID, debit.Currency, debit.Amount); err != nil {
		return false, err
	}
	if err := p.applyCredit(ctx, dbtx, credit.UserID, credit.Currency, credit.Amount); err != nil {
		return false, err
	}

	if err := dbtx.Commit(); err != nil {
		if isCheckViolation(err) {
			return false, ErrInsufficientFunds
		}
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) Swap(ctx context.Context, debit, credit *Transaction) (bool, error) {
	// Same shape as Transfer; both legs belong to one user.
	return p.Transfer(ctx, debit, credit)
}

func (p *PostgresStore) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE reference = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, reference)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByID(ctx context.Context, txID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1
	`, txID)
	return scanTransaction(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, txID string, from, to TxStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, txID, from, to)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, txID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrInvalidStatusChange
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status TxStatus, txType TxType, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND type = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, status, txType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) insertLeg(ctx context.Context, dbtx *sql.Tx, t *Transaction) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(30,8), $5, $6, $7, $8, NULLIF($9, ''), NOW(), NOW())
	`, t.ID, t.UserID, t.Type, t.Amount, t.Currency, t.Status, t.Reference, t.Description, t.CounterpartyID)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) applyCredit(ctx context.Context, dbtx *sql.Tx, userID string, c money.Currency, amount string) error {
	col := balanceColumn(c)
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO balances (user_id, `+col+`, updated_at)
		VALUES ($1, $2::NUMERIC(30,8), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			`+col+` = balances.`+col+` + $2::NUMERIC(30,8),
			updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) applyDebit(ctx context.Context, dbtx *sql.Tx, userID string, c money.Currency, amount string) error {
	col := balanceColumn(c)
	result, err := dbtx.ExecContext(ctx, `
		UPDATE balances SET
			`+col+` = `+col+` - $2::NUMERIC(30,8),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func balanceColumn(c money.Currency) string {
	if c == money.Fiat {
		return "fiat"
	}
	return "stable"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	t := &Transaction{}
	var description, counterparty sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &t.Status,
		&t.Reference, &description, &counterparty, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.CounterpartyID = counterparty.String
	return t, nil
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
