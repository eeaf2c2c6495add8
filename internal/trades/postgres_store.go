package trades

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Status writes carry the
// expected current status in the WHERE clause, so a lost race surfaces as
// ErrInvalidState rather than overwriting a concurrent transition.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, amount, rate, fiat_amount, status,
	payment_method, payment_deadline, overdue,
	dispute_category, dispute_reason, dispute_raised_by, dispute_evidence, disputed_at,
	admin_notes, resolved_by, resolved_at, cancel_reason, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,8), $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8,
		        $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), $15, $16,
		        NULLIF($17, ''), NULLIF($18, ''), $19, NULLIF($20, ''), $21, $22, $23)
	`, t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Amount, t.Rate, t.FiatAmount, t.Status,
		t.PaymentMethod, t.PaymentDeadline, t.Overdue,
		t.DisputeCategory, t.DisputeReason, t.DisputeRaisedBy, pq.Array(t.DisputeEvidence), t.DisputedAt,
		t.AdminNotes, t.ResolvedBy, t.ResolvedAt, t.CancelReason, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE id = $1
	`, id)
	return scanTrade(row)
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade, fromStatus Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $3,
			overdue = $4,
			dispute_category = NULLIF($5, ''),
			dispute_reason = NULLIF($6, ''),
			dispute_raised_by = NULLIF($7, ''),
			dispute_evidence = $8,
			disputed_at = $9,
			admin_notes = NULLIF($10, ''),
			resolved_by = NULLIF($11, ''),
			resolved_at = $12,
			cancel_reason = NULLIF($13, ''),
			completed_at = $14,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, t.ID, fromStatus, t.Status, t.Overdue,
		t.DisputeCategory, t.DisputeReason, t.DisputeRaisedBy, pq.Array(t.DisputeEvidence), t.DisputedAt,
		t.AdminNotes, t.ResolvedBy, t.ResolvedAt, t.CancelReason, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) MarkOverdue(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE trades SET overdue = TRUE, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM trades
			WHERE status = 'payment_pending' AND overdue = FALSE AND payment_deadline < $1
			ORDER BY payment_deadline ASC
			LIMIT $2
		)
		RETURNING `+tradeColumns+`
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to mark overdue trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var (
		paymentMethod, disputeCategory, disputeReason, disputeRaisedBy sql.NullString
		adminNotes, resolvedBy, cancelReason                           sql.NullString
		disputedAt, resolvedAt, completedAt                            sql.NullTime
		evidence                                                       pq.StringArray
	)
	err := row.Scan(&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Rate, &t.FiatAmount, &t.Status,
		&paymentMethod, &t.PaymentDeadline, &t.Overdue,
		&disputeCategory, &disputeReason, &disputeRaisedBy, &evidence, &disputedAt,
		&adminNotes, &resolvedBy, &resolvedAt, &cancelReason, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}

	t.PaymentMethod = paymentMethod.String
	t.DisputeCategory = disputeCategory.String
	t.DisputeReason = disputeReason.String
	t.DisputeRaisedBy = disputeRaisedBy.String
	t.AdminNotes = adminNotes.String
	t.ResolvedBy = resolvedBy.String
	t.CancelReason = cancelReason.String
	t.DisputeEvidence = evidence
	if disputedAt.Valid {
		t.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
