package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/memory"
)

var testNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// steppedClock returns a clock the test can move.
type steppedClock struct {
	now atomic.Int64
}

func newSteppedClock(t time.Time) *steppedClock {
	c := &steppedClock{}
	c.Set(t)
	return c
}

func (c *steppedClock) Now() time.Time { return time.Unix(0, c.now.Load()).UTC() }
func (c *steppedClock) Set(t time.Time) { c.now.Store(t.UnixNano()) }
func (c *steppedClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

func newTable(id string, at time.Time, participants ...string) model.Table {
	if participants == nil {
		participants = []string{}
	}
	return model.Table{
		ID:           id,
		Activity:     model.ActivityDinner,
		Period:       model.PeriodOf(at).String(),
		ScheduledAt:  at,
		Participants: participants,
		Capacity:     model.DefaultCapacity,
		CreatedAt:    testNow,
	}
}

func seedTables(t *testing.T, s repository.TableStore, tables ...model.Table) {
	t.Helper()
	byPeriod := make(map[string][]model.Table)
	for _, tb := range tables {
		byPeriod[tb.Period] = append(byPeriod[tb.Period], tb)
	}
	for period, group := range byPeriod {
		n, err := s.CreatePeriodTables(context.Background(), period, group)
		if err != nil {
			t.Fatalf("seed period %s: %v", period, err)
		}
		if n != len(group) {
			t.Fatalf("seed period %s: created %d, want %d", period, n, len(group))
		}
	}
}

// conflictStore loses every compare-and-swap.
type conflictStore struct {
	*memory.Store
	saves atomic.Int32
}

func (s *conflictStore) SaveParticipants(context.Context, repository.ParticipantsWrite) (model.Table, error) {
	s.saves.Add(1)
	return model.Table{}, repository.ErrVersionConflict
}

// brokenStore fails every read as if the database were unreachable.
type brokenStore struct {
	*memory.Store
	reads atomic.Int32
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connection refused")

func (s *brokenStore) GetTable(context.Context, string) (model.Table, error) {
	s.reads.Add(1)
	return model.Table{}, errConnRefused
}

func (s *brokenStore) ListTables(context.Context, repository.TableQuery) ([]model.Table, error) {
	s.reads.Add(1)
	return nil, errConnRefused
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{ErrBookingConflict, true},
		{fmt.Errorf("book table: %w", ErrBookingConflict), true},
		{fmt.Errorf("op: %w: %w", ErrStoreUnavailable, errConnRefused), true},
		{ErrTableFull, false},
		{ErrAlreadyBooked, false},
		{ErrTableNotFound, false},
		{ErrIntegrityViolation, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRequireIDTrimsAndRejectsBlank(t *testing.T) {
	t.Parallel()

	if got, err := requireID("user id", "  u1 "); err != nil || got != "u1" {
		t.Fatalf("requireID = %q, %v", got, err)
	}
	if _, err := requireID("user id", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
