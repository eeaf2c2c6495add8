package messaging

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, trade_id, sender_id, recipient_id, body, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6)
	`, m.ID, m.TradeID, m.SenderID, m.RecipientID, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListForTrade(ctx context.Context, tradeID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, sender_id, recipient_id, body, created_at FROM (
			SELECT id, trade_id, sender_id, recipient_id, body, created_at
			FROM messages
			WHERE trade_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC
	`, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (p *PostgresStore) ListConversation(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, sender_id, recipient_id, body, created_at FROM (
			SELECT id, trade_id, sender_id, recipient_id, body, created_at
			FROM messages
			WHERE trade_id IS NULL
			  AND ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
			ORDER BY created_at DESC
			LIMIT $3
		) recent ORDER BY created_at ASC, id ASC
	`, userA, userB, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m := &Message{}
		var tradeID, recipientID sql.NullString
		if err := rows.Scan(&m.ID, &tradeID, &m.SenderID, &recipientID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.TradeID = tradeID.String
		m.RecipientID = recipientID.String
		out = append(out, m)
	}
	return out, rows.Err()
}
