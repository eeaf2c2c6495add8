package offers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Reserve runs as a single
// guarded UPDATE so concurrent trades on one offer serialize on the row
// lock; the remaining >= amount predicate makes overselling impossible.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, owner_id, side, amount, remaining, rate, status, min_amount, max_amount, payment_method, time_limit_minutes, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(30,8), $5::NUMERIC(30,8), $6::NUMERIC(20,2),
		        $7, NULLIF($8, '')::NUMERIC(30,8), NULLIF($9, '')::NUMERIC(30,8), $10, $11, $12, $13)
	`, o.ID, o.OwnerID, o.Side, o.Amount, o.Remaining, o.Rate, o.Status,
		o.MinAmount, o.MaxAmount, o.PaymentMethod, o.TimeLimitMin, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE id = $1
	`, id)
	return scanOffer(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			rate = $2::NUMERIC(20,2),
			status = $3,
			min_amount = NULLIF($4, '')::NUMERIC(30,8),
			max_amount = NULLIF($5, '')::NUMERIC(30,8),
			payment_method = $6,
			time_limit_minutes = $7,
			updated_at = NOW()
		WHERE id = $1
	`, o.ID, o.Rate, o.Status, o.MinAmount, o.MaxAmount, o.PaymentMethod, o.TimeLimitMin)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE 1=1`
	args := []any{}
	n := 0

	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}

	if f.Side != "" {
		add("side = $%d", f.Side)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Cursor != nil {
		n += 2
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", n-1, n)
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Reserve(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE offers SET
			remaining = remaining - $2::NUMERIC(30,8),
			status = CASE WHEN remaining - $2::NUMERIC(30,8) = 0 THEN 'completed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND remaining >= $2::NUMERIC(30,8)
		RETURNING `+offerColumns+`
	`, id, amount.String())

	o, err := scanOffer(row)
	if errors.Is(err, ErrOfferNotFound) {
		// Distinguish missing from not-reservable.
		existing, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if existing.Status != StatusActive {
			return nil, ErrOfferNotActive
		}
		return nil, ErrAmountOutOfRange
	}
	return o, err
}

func (p *PostgresStore) Restore(ctx context.Context, id string, amount decimal.Decimal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			remaining = LEAST(remaining + $2::NUMERIC(30,8), amount),
			status = CASE WHEN status = 'completed' THEN 'active' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
	`, id, amount.String())
	if err != nil {
		return fmt.Errorf("failed to restore offer amount: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	o := &Offer{}
	var min, max, paymentMethod sql.NullString
	err := row.Scan(&o.ID, &o.OwnerID, &o.Side, &o.Amount, &o.Remaining, &o.Rate, &o.Status,
		&min, &max, &paymentMethod, &o.TimeLimitMin, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.MinAmount = min.String
	o.MaxAmount = max.String
	o.PaymentMethod = paymentMethod.String
	return o, nil
}
