package ratings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The unique index on
// (trade_id, rater_id) is the duplicate guard.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed rating store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (id, trade_id, rater_id, rated_user_id, score, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, r.ID, r.TradeID, r.RaterID, r.RatedUserID, r.Score, r.Comment, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRating
		}
		return fmt.Errorf("failed to insert rating: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM ratings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rating: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRatingNotFound
	}
	return nil
}

func (p *PostgresStore) ListForUser(ctx context.Context, ratedUserID string, limit int) ([]*Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, rater_id, rated_user_id, score, comment, created_at
		FROM ratings
		WHERE rated_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ratedUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rating
	for rows.Next() {
		r := &Rating{}
		var comment sql.NullString
		if err := rows.Scan(&r.ID, &r.TradeID, &r.RaterID, &r.RatedUserID, &r.Score, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Comment = comment.String
		out = append(out, r)
	}
	return out, rows.Err()
}
