package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
)

// FeedbackStore is the storage the feedback aggregator needs.
type FeedbackStore interface {
	repository.TableStore
	repository.FeedbackStore
	repository.FlagStore
}

// FeedbackService records post-meeting ratings and applies the flag policy.
type FeedbackService struct {
	store     FeedbackStore
	publisher events.Publisher
	policy    FlagPolicy
	clock     Clock
	logger    *slog.Logger
}

// NewFeedbackService constructs a FeedbackService.
func NewFeedbackService(store FeedbackStore, publisher events.Publisher, policy FlagPolicy, clock Clock, logger *slog.Logger) *FeedbackService {
	if clock == nil {
		clock = SystemClock
	}
	return &FeedbackService{
		store:     store,
		publisher: publisher,
		policy:    policy,
		clock:     clock,
		logger:    orDiscard(logger),
	}
}

// SubmitFeedback records one rating. Submitting the same rating twice is not
// an error; the first one stands.
//
// When the table still exists the meeting must be over and both users must
// have been seated at it. Tables already swept by expiry are accepted as is.
func (s *FeedbackService) SubmitFeedback(ctx context.Context, tableID, raterID, ratedUserID string, positive bool) error {
	tableID, err := requireID("table id", tableID)
	if err != nil {
		return err
	}
	if raterID, err = requireID("rater id", raterID); err != nil {
		return err
	}
	if ratedUserID, err = requireID("rated user id", ratedUserID); err != nil {
		return err
	}
	if raterID == ratedUserID {
		return fmt.Errorf("%w: users cannot rate themselves", ErrInvalidInput)
	}

	now := s.clock()
	t, err := s.store.GetTable(ctx, tableID)
	switch {
	case err == nil:
		if !t.HasPassed(now) {
			return ErrFeedbackTooEarly
		}
		if !t.HasParticipant(raterID) || !t.HasParticipant(ratedUserID) {
			return ErrNotParticipant
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return fmt.Errorf("submit feedback: %w: %w", ErrStoreUnavailable, err)
	}

	inserted, err := s.store.InsertFeedback(ctx, model.Feedback{
		ID:          uuid.NewString(),
		TableID:     tableID,
		RaterID:     raterID,
		RatedUserID: ratedUserID,
		Positive:    positive,
		CreatedAt:   now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("submit feedback: %w: %w", ErrStoreUnavailable, err)
	}
	if inserted {
		s.logger.Info("feedback recorded",
			"table_id", tableID, "rater_id", raterID, "rated_user_id", ratedUserID, "positive", positive)
	} else {
		s.logger.Debug("duplicate feedback ignored",
			"table_id", tableID, "rater_id", raterID, "rated_user_id", ratedUserID)
	}

	if positive {
		return nil
	}
	return s.evaluateFlag(ctx, ratedUserID, now)
}

// evaluateFlag runs after every negative rating, duplicates included, so a
// flag lost to a crash between insert and evaluation is repaired by a retry.
func (s *FeedbackService) evaluateFlag(ctx context.Context, userID string, now time.Time) error {
	count, err := s.store.CountNegative(ctx, userID)
	if err != nil {
		return fmt.Errorf("count negative ratings: %w: %w", ErrStoreUnavailable, err)
	}
	if !s.policy.ShouldFlag(count) {
		return nil
	}

	rec := model.FlagRecord{UserID: userID, FlaggedAt: now.UTC(), Reason: FlagReason}
	created, err := s.store.InsertFlag(ctx, rec)
	if err != nil {
		return fmt.Errorf("flag user: %w: %w", ErrStoreUnavailable, err)
	}
	if !created {
		return nil
	}

	s.logger.Warn("user flagged for review", "user_id", userID, "negative_count", count)
	ev := events.UserFlagged{
		UserID:        userID,
		Reason:        rec.Reason,
		NegativeCount: count,
		FlaggedAt:     rec.FlaggedAt,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("publish user flagged", "user_id", userID, "error", err)
	}
	return nil
}

// HasSubmittedFeedback reports whether raterID rated anyone at tableID.
func (s *FeedbackService) HasSubmittedFeedback(ctx context.Context, tableID, raterID string) (bool, error) {
	tableID, err := requireID("table id", tableID)
	if err != nil {
		return false, err
	}
	if raterID, err = requireID("rater id", raterID); err != nil {
		return false, err
	}
	ok, err := s.store.HasFeedback(ctx, tableID, raterID)
	if err != nil {
		return false, fmt.Errorf("has feedback: %w: %w", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// NegativeRatingCount returns how many negative ratings userID received.
func (s *FeedbackService) NegativeRatingCount(ctx context.Context, userID string) (int, error) {
	userID, err := requireID("user id", userID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.CountNegative(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count negative ratings: %w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// FlagStatus returns the user's flag record, or nil when not flagged.
func (s *FeedbackService) FlagStatus(ctx context.Context, userID string) (*model.FlagRecord, error) {
	userID, err := requireID("user id", userID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetFlag(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flag status: %w: %w", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

// PendingFeedback returns the co-participants raterID still has to rate for
// a table that has passed. An empty result means feedback is complete.
func (s *FeedbackService) PendingFeedback(ctx context.Context, tableID, raterID string, now time.Time) ([]string, error) {
	tableID, err := requireID("table id", tableID)
	if err != nil {
		return nil, err
	}
	if raterID, err = requireID("rater id", raterID); err != nil {
		return nil, err
	}

	t, err := s.store.GetTable(ctx, tableID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending feedback: %w: %w", ErrStoreUnavailable, err)
	}
	if !t.HasPassed(now) {
		return nil, ErrFeedbackTooEarly
	}
	if !t.HasParticipant(raterID) {
		return nil, ErrNotParticipant
	}

	rated, err := s.store.RatedUsers(ctx, tableID, raterID)
	if err != nil {
		return nil, fmt.Errorf("pending feedback: %w: %w", ErrStoreUnavailable, err)
	}
	pending := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		if p != raterID && !slices.Contains(rated, p) {
			pending = append(pending, p)
		}
	}
	return pending, nil
}
