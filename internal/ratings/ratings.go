// Package ratings records post-trade reputation scores.
//
// One rating per (trade, rater), participants only, and only after the
// trade completes. The rated user's rolling average is updated
// incrementally on their account row, never recomputed by rescanning.
package ratings

import (
	"context"
	"errors"
	"time"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/trades"
)

var (
	ErrDuplicateRating = errors.New("ratings: trade already rated by this user")
	ErrInvalidScore    = errors.New("ratings: score must be between 1 and 5")
	ErrForbidden       = errors.New("ratings: only trade participants may rate each other")
	ErrInvalidState    = errors.New("ratings: trade is not completed")
	ErrRatingNotFound  = errors.New("ratings: rating not found")
)

// Rating is one participant's score of the other after a completed trade.
type Rating struct {
	ID          string    `json:"id"`
	TradeID     string    `json:"tradeId"`
	RaterID     string    `json:"raterId"`
	RatedUserID string    `json:"ratedUserId"`
	Score       int       `json:"score"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists ratings. Create must reject a duplicate
// (tradeID, raterID) pair with ErrDuplicateRating.
type Store interface {
	Create(ctx context.Context, r *Rating) error
	Delete(ctx context.Context, id string) error
	ListForUser(ctx context.Context, ratedUserID string, limit int) ([]*Rating, error)
}

// TradeReader is the slice of the trade service ratings needs.
type TradeReader interface {
	Get(ctx context.Context, id string) (*trades.Trade, error)
}

// Aggregator folds an accepted score into the rated user's rolling
// average. Satisfied by users.Service.
type Aggregator interface {
	ApplyRating(ctx context.Context, id string, score int) error
}

// Service implements rating submission.
type Service struct {
	store      Store
	trades     TradeReader
	aggregator Aggregator
}

// NewService creates the ratings service.
func NewService(store Store, tradeReader TradeReader, aggregator Aggregator) *Service {
	return &Service{store: store, trades: tradeReader, aggregator: aggregator}
}

// SubmitRequest is the payload for a new rating.
type SubmitRequest struct {
	TradeID     string `json:"tradeId" binding:"required"`
	RatedUserID string `json:"ratedUserId" binding:"required"`
	Score       int    `json:"score" binding:"required"`
	Comment     string `json:"comment"`
}

// Submit validates and records a rating, then updates the rated user's
// aggregate.
func (s *Service) Submit(ctx context.Context, raterID string, req SubmitRequest) (*Rating, error) {
	if req.Score < 1 || req.Score > 5 {
		return nil, ErrInvalidScore
	}

	trade, err := s.trades.Get(ctx, req.TradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != trades.StatusCompleted {
		return nil, ErrInvalidState
	}
	if !trade.Participant(raterID) || trade.Counterparty(raterID) != req.RatedUserID {
		return nil, ErrForbidden
	}

	r := &Rating{
		ID:          idgen.WithPrefix("rtg_"),
		TradeID:     req.TradeID,
		RaterID:     raterID,
		RatedUserID: req.RatedUserID,
		Score:       req.Score,
		Comment:     req.Comment,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	if err := s.aggregator.ApplyRating(ctx, req.RatedUserID, req.Score); err != nil {
		// Keep the row and the aggregate in step: a rating that never
		// reached the average must not exist, or the rater could never
		// retry past the duplicate guard.
		if derr := s.store.Delete(ctx, r.ID); derr != nil {
			logging.L(ctx).Error("failed to remove rating after aggregate failure",
				"ratingId", r.ID, "error", derr)
		}
		return nil, err
	}
	return r, nil
}

// ListForUser returns ratings received by a user, newest first.
func (s *Service) ListForUser(ctx context.Context, ratedUserID string, limit int) ([]*Rating, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListForUser(ctx, ratedUserID, limit)
}
