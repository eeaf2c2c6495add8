// Package messaging attaches chat to trades and between users.
//
// Messages are a side channel: they never gate a trade transition, but
// participants and admins lean on trade chat during disputes. Delivery is
// plain synchronous query; push is layered on by the realtime hub.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/trades"
	"github.com/otcmesh/otcmesh/internal/validation"
)

var (
	ErrMessageNotFound = errors.New("messaging: message not found")
	ErrForbidden       = errors.New("messaging: sender is not part of this conversation")
	ErrEmptyBody       = errors.New("messaging: message body is empty")
	ErrBodyTooLong     = errors.New("messaging: message body exceeds the maximum length")
)

const maxBodyLength = 2000

// Message is one chat entry, bound either to a trade or to a direct
// conversation between two users.
type Message struct {
	ID          string    `json:"id"`
	TradeID     string    `json:"tradeId,omitempty"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	ListForTrade(ctx context.Context, tradeID string, limit int) ([]*Message, error)
	ListConversation(ctx context.Context, userA, userB string, limit int) ([]*Message, error)
}

// TradeReader resolves a message's trade for the participant check.
type TradeReader interface {
	Get(ctx context.Context, id string) (*trades.Trade, error)
}

// Service implements messaging business logic.
type Service struct {
	store  Store
	trades TradeReader
}

// NewService creates the messaging service.
func NewService(store Store, tradeReader TradeReader) *Service {
	return &Service{store: store, trades: tradeReader}
}

// SendToTrade posts a message into a trade's chat. Participants only.
func (s *Service) SendToTrade(ctx context.Context, tradeID, senderID, body string) (*Message, error) {
	body, err := cleanBody(body)
	if err != nil {
		return nil, err
	}

	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Participant(senderID) {
		return nil, ErrForbidden
	}

	m := &Message{
		ID:          idgen.WithPrefix("msg_"),
		TradeID:     tradeID,
		SenderID:    senderID,
		RecipientID: trade.Counterparty(senderID),
		Body:        body,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListForTrade returns a trade's chat, oldest first. Participants only.
func (s *Service) ListForTrade(ctx context.Context, tradeID, callerID string, limit int) ([]*Message, error) {
	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Participant(callerID) {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListForTrade(ctx, tradeID, limit)
}

// SendDirect posts a direct user-to-user message.
func (s *Service) SendDirect(ctx context.Context, senderID, recipientID, body string) (*Message, error) {
	body, err := cleanBody(body)
	if err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, ErrForbidden
	}

	m := &Message{
		ID:          idgen.WithPrefix("msg_"),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListConversation returns the direct thread between the caller and
// another user, oldest first.
func (s *Service) ListConversation(ctx context.Context, callerID, otherID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListConversation(ctx, callerID, otherID, limit)
}

func cleanBody(body string) (string, error) {
	body = strings.TrimSpace(validation.SanitizeString(body, validation.MaxStringLength))
	if body == "" {
		return "", ErrEmptyBody
	}
	if len(body) > maxBodyLength {
		return "", ErrBodyTooLong
	}
	return body, nil
}
