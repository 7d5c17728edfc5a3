// Package repository defines the storage contract for tables, feedback and
// flags. Implementations live in the memory, sqlite and postgres
// subpackages; all of them provide conditional (compare-and-swap) writes on
// table participants and publish committed mutations on a change feed.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conditional write lost a race.
var ErrVersionConflict = errors.New("version conflict")

// ErrUserClaimed is returned when the user already holds a seat in another
// table that has not passed yet.
var ErrUserClaimed = errors.New("user already holds an active seat")

// TableQuery filters table listings. Zero fields do not filter.
// Results are always ordered by ScheduledAt ascending.
type TableQuery struct {
	Period         string
	ScheduledAfter time.Time
	Participant    string
}

// Matches reports whether t passes the query filters.
func (q TableQuery) Matches(t model.Table) bool {
	if q.Period != "" && t.Period != q.Period {
		return false
	}
	if !q.ScheduledAfter.IsZero() && !t.ScheduledAt.After(q.ScheduledAfter) {
		return false
	}
	if q.Participant != "" && !t.HasParticipant(q.Participant) {
		return false
	}
	return true
}

// ParticipantsWrite is a conditional update of a table's participants.
//
// The write succeeds only if the stored version equals ExpectedVersion. In the
// same atomic step Claim (if set) takes the user's single active-seat claim
// and Release (if set) drops it. A claim held for another table scheduled
// after Now makes the write fail with ErrUserClaimed; claims on tables at or
// before Now are stale and are taken over.
type ParticipantsWrite struct {
	TableID         string
	ExpectedVersion int64
	Participants    []string
	Claim           string
	Release         string
	Now             time.Time
}

// TableStore persists meeting tables.
type TableStore interface {
	// CreatePeriodTables inserts tables only if none exist for period yet and
	// returns how many were inserted. The check and the insert are atomic.
	CreatePeriodTables(ctx context.Context, period string, tables []model.Table) (int, error)
	GetTable(ctx context.Context, id string) (model.Table, error)
	ListTables(ctx context.Context, q TableQuery) ([]model.Table, error)
	// SaveParticipants applies w and returns the stored table with its new version.
	SaveParticipants(ctx context.Context, w ParticipantsWrite) (model.Table, error)
	// DeleteTablesBefore removes tables scheduled strictly before cutoff along
	// with the seat claims pointing at them.
	DeleteTablesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// FeedbackStore persists ratings. The (table, rater, rated) tuple is unique.
type FeedbackStore interface {
	// InsertFeedback reports false without error when the tuple already exists.
	InsertFeedback(ctx context.Context, fb model.Feedback) (bool, error)
	HasFeedback(ctx context.Context, tableID, raterID string) (bool, error)
	RatedUsers(ctx context.Context, tableID, raterID string) ([]string, error)
	CountNegative(ctx context.Context, userID string) (int, error)
}

// FlagStore persists trust flags. UserID is unique.
type FlagStore interface {
	// InsertFlag reports false without error when the user is already flagged.
	InsertFlag(ctx context.Context, rec model.FlagRecord) (bool, error)
	GetFlag(ctx context.Context, userID string) (model.FlagRecord, error)
}

// Watcher exposes the change feed of committed mutations.
type Watcher interface {
	// Watch registers a listener. The returned cancel func releases it and is
	// safe to call more than once.
	Watch() (<-chan model.Change, func())
}

// Store is the full storage surface used by the engine.
type Store interface {
	TableStore
	FeedbackStore
	FlagStore
	Watcher
	Close() error
}
