// Package memory provides an in-process repository.Store. It is the default
// for local development and backs most service tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
)

type feedbackKey struct {
	tableID, raterID, ratedUserID string
}

type claim struct {
	tableID     string
	scheduledAt time.Time
}

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	tables   map[string]model.Table
	claims   map[string]claim
	feedback map[feedbackKey]model.Feedback
	flags    map[string]model.FlagRecord
	feed     *repository.Feed
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tables:   make(map[string]model.Table),
		claims:   make(map[string]claim),
		feedback: make(map[feedbackKey]model.Feedback),
		flags:    make(map[string]model.FlagRecord),
		feed:     repository.NewFeed(),
	}
}

// Watch implements repository.Watcher.
func (s *Store) Watch() (<-chan model.Change, func()) {
	return s.feed.Watch()
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreatePeriodTables implements repository.TableStore.
func (s *Store) CreatePeriodTables(ctx context.Context, period string, tables []model.Table) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, t := range s.tables {
		if t.Period == period {
			s.mu.Unlock()
			return 0, nil
		}
	}
	for _, t := range tables {
		t = t.Clone()
		t.Period = period
		t.Version = 1
		s.tables[t.ID] = t
	}
	s.mu.Unlock()

	for _, t := range tables {
		s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	}
	return len(tables), nil
}

// GetTable implements repository.TableStore.
func (s *Store) GetTable(ctx context.Context, id string) (model.Table, error) {
	if err := ctx.Err(); err != nil {
		return model.Table{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[id]
	if !ok {
		return model.Table{}, repository.ErrNotFound
	}
	return t.Clone(), nil
}

// ListTables implements repository.TableStore.
func (s *Store) ListTables(ctx context.Context, q repository.TableQuery) ([]model.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]model.Table, 0, len(s.tables))
	for _, t := range s.tables {
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Table) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// SaveParticipants implements repository.TableStore.
func (s *Store) SaveParticipants(ctx context.Context, w repository.ParticipantsWrite) (model.Table, error) {
	if err := ctx.Err(); err != nil {
		return model.Table{}, err
	}
	s.mu.Lock()
	t, ok := s.tables[w.TableID]
	if !ok {
		s.mu.Unlock()
		return model.Table{}, repository.ErrNotFound
	}
	if t.Version != w.ExpectedVersion {
		s.mu.Unlock()
		return model.Table{}, repository.ErrVersionConflict
	}
	if w.Claim != "" {
		if c, held := s.claims[w.Claim]; held && c.tableID != t.ID && c.scheduledAt.After(w.Now) {
			s.mu.Unlock()
			return model.Table{}, repository.ErrUserClaimed
		}
		s.claims[w.Claim] = claim{tableID: t.ID, scheduledAt: t.ScheduledAt}
	}
	if w.Release != "" {
		if c, held := s.claims[w.Release]; held && c.tableID == t.ID {
			delete(s.claims, w.Release)
		}
	}
	t.Participants = slices.Clone(w.Participants)
	t.Version++
	s.tables[t.ID] = t
	out := t.Clone()
	s.mu.Unlock()

	s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	return out, nil
}

// DeleteTablesBefore implements repository.TableStore.
func (s *Store) DeleteTablesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	var deleted []string
	for id, t := range s.tables {
		if t.ScheduledAt.Before(cutoff) {
			delete(s.tables, id)
			deleted = append(deleted, id)
		}
	}
	for user, c := range s.claims {
		if slices.Contains(deleted, c.tableID) {
			delete(s.claims, user)
		}
	}
	s.mu.Unlock()

	for _, id := range deleted {
		s.feed.Publish(model.Change{Kind: model.ChangeTableDeleted, TableID: id})
	}
	return len(deleted), nil
}

// InsertFeedback implements repository.FeedbackStore.
func (s *Store) InsertFeedback(ctx context.Context, fb model.Feedback) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := feedbackKey{fb.TableID, fb.RaterID, fb.RatedUserID}

	s.mu.Lock()
	if _, exists := s.feedback[key]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.feedback[key] = fb
	s.mu.Unlock()

	s.feed.Publish(model.Change{Kind: model.ChangeFeedbackAdded, TableID: fb.TableID})
	return true, nil
}

// HasFeedback implements repository.FeedbackStore.
func (s *Store) HasFeedback(ctx context.Context, tableID, raterID string) (bool, error) {
	rated, err := s.RatedUsers(ctx, tableID, raterID)
	return len(rated) > 0, err
}

// RatedUsers implements repository.FeedbackStore.
func (s *Store) RatedUsers(ctx context.Context, tableID, raterID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.feedback {
		if k.tableID == tableID && k.raterID == raterID {
			out = append(out, k.ratedUserID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// CountNegative implements repository.FeedbackStore.
func (s *Store) CountNegative(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, fb := range s.feedback {
		if k.ratedUserID == userID && !fb.Positive {
			n++
		}
	}
	return n, nil
}

// InsertFlag implements repository.FlagStore.
func (s *Store) InsertFlag(ctx context.Context, rec model.FlagRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flags[rec.UserID]; exists {
		return false, nil
	}
	s.flags[rec.UserID] = rec
	return true, nil
}

// GetFlag implements repository.FlagStore.
func (s *Store) GetFlag(ctx context.Context, userID string) (model.FlagRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.FlagRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.flags[userID]
	if !ok {
		return model.FlagRecord{}, repository.ErrNotFound
	}
	return rec, nil
}
