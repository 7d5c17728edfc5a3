package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
)

// DefaultMaxAttempts bounds the optimistic retry loop.
const DefaultMaxAttempts = 5

// BookingService is the only writer of table participants.
//
// Every write is read → validate → compare-and-swap against the version that
// was read. Losing a race costs one attempt; the loop re-reads and re-checks,
// so a contended final seat resolves to exactly one winner while everyone
// else observes ErrTableFull on their next read.
type BookingService struct {
	tables      repository.TableStore
	publisher   events.Publisher
	clock       Clock
	logger      *slog.Logger
	maxAttempts int
}

// NewBookingService constructs a BookingService.
func NewBookingService(tables repository.TableStore, publisher events.Publisher, maxAttempts int, clock Clock, logger *slog.Logger) *BookingService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = SystemClock
	}
	return &BookingService{
		tables:      tables,
		publisher:   publisher,
		clock:       clock,
		logger:      orDiscard(logger),
		maxAttempts: maxAttempts,
	}
}

// Book reserves a seat for userID and returns the committed table.
func (s *BookingService) Book(ctx context.Context, tableID, userID string) (model.Table, error) {
	tableID, err := requireID("table id", tableID)
	if err != nil {
		return model.Table{}, err
	}
	userID, err = requireID("user id", userID)
	if err != nil {
		return model.Table{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Table{}, err
		}
		now := s.clock()

		t, err := s.tables.GetTable(ctx, tableID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return model.Table{}, ErrTableNotFound
			}
			lastErr = err
			continue
		}
		if t.HasPassed(now) {
			return model.Table{}, ErrTablePassed
		}
		if t.HasParticipant(userID) {
			return model.Table{}, ErrAlreadyBooked
		}
		if t.IsFull() {
			return model.Table{}, ErrTableFull
		}

		saved, err := s.tables.SaveParticipants(ctx, repository.ParticipantsWrite{
			TableID:         t.ID,
			ExpectedVersion: t.Version,
			Participants:    append(slices.Clone(t.Participants), userID),
			Claim:           userID,
			Now:             now,
		})
		switch {
		case err == nil:
			s.afterBook(ctx, saved, userID, attempt)
			return saved, nil
		case errors.Is(err, repository.ErrNotFound):
			return model.Table{}, ErrTableNotFound
		case errors.Is(err, repository.ErrUserClaimed):
			return model.Table{}, ErrActiveBookingExists
		case errors.Is(err, repository.ErrVersionConflict):
			s.logger.Debug("booking lost compare-and-swap, retrying",
				"table_id", tableID, "user_id", userID, "attempt", attempt)
			lastErr = err
		default:
			lastErr = err
		}
	}
	return model.Table{}, s.exhausted("book table", tableID, lastErr)
}

func (s *BookingService) afterBook(ctx context.Context, t model.Table, userID string, attempt int) {
	s.logger.Info("seat booked",
		"table_id", t.ID,
		"user_id", userID,
		"seats_left", t.SeatsLeft(),
		"attempt", attempt,
	)
	if !t.IsFull() {
		return
	}
	ev := events.TableFilled{
		TableID:      t.ID,
		Activity:     string(t.Activity),
		DisplayName:  t.DisplayName(),
		Participants: t.Participants,
		ScheduledAt:  t.ScheduledAt,
	}
	// The seat is committed; a delivery failure must not undo it.
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("publish table filled", "table_id", t.ID, "error", err)
	}
}

// Cancel removes userID from the table. Cancelling a booking that does not
// exist, including on a deleted table, succeeds.
func (s *BookingService) Cancel(ctx context.Context, tableID, userID string) error {
	tableID, err := requireID("table id", tableID)
	if err != nil {
		return err
	}
	userID, err = requireID("user id", userID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := s.tables.GetTable(ctx, tableID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			lastErr = err
			continue
		}
		if !t.HasParticipant(userID) {
			return nil
		}

		remaining := slices.DeleteFunc(slices.Clone(t.Participants), func(id string) bool { return id == userID })
		_, err = s.tables.SaveParticipants(ctx, repository.ParticipantsWrite{
			TableID:         t.ID,
			ExpectedVersion: t.Version,
			Participants:    remaining,
			Release:         userID,
			Now:             s.clock(),
		})
		switch {
		case err == nil:
			s.logger.Info("booking cancelled", "table_id", t.ID, "user_id", userID, "attempt", attempt)
			return nil
		case errors.Is(err, repository.ErrNotFound):
			return nil
		default:
			lastErr = err
		}
	}
	return s.exhausted("cancel booking", tableID, lastErr)
}

func (s *BookingService) exhausted(op, tableID string, lastErr error) error {
	if lastErr == nil || errors.Is(lastErr, repository.ErrVersionConflict) {
		s.logger.Warn("retry budget exhausted", "op", op, "table_id", tableID, "attempts", s.maxAttempts)
		return fmt.Errorf("%s: %w", op, ErrBookingConflict)
	}
	s.logger.Error("store failure", "op", op, "table_id", tableID, "error", lastErr)
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, lastErr)
}

// MyActiveBooking returns the upcoming table userID is seated at, or nil.
func (s *BookingService) MyActiveBooking(ctx context.Context, userID string, now time.Time) (*model.Table, error) {
	userID, err := requireID("user id", userID)
	if err != nil {
		return nil, err
	}
	tables, err := s.tables.ListTables(ctx, repository.TableQuery{Participant: userID, ScheduledAfter: now})
	if err != nil {
		return nil, fmt.Errorf("active booking: %w: %w", ErrStoreUnavailable, err)
	}
	switch len(tables) {
	case 0:
		return nil, nil
	case 1:
		return &tables[0], nil
	default:
		ids := make([]string, len(tables))
		for i, t := range tables {
			ids[i] = t.ID
		}
		s.logger.Error("user holds more than one active booking",
			"user_id", userID, "table_ids", ids)
		return nil, fmt.Errorf("%w: user %s seated at %d active tables %v",
			ErrIntegrityViolation, userID, len(tables), ids)
	}
}
