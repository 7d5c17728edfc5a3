// Package repotest holds the behavioural suite every repository.Store
// implementation must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) repository.Store

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// NewTable builds a table scheduled hoursAhead after the suite's base time.
func NewTable(id, period string, hoursAhead int) model.Table {
	return model.Table{
		ID:           id,
		Activity:     model.ActivityDinner,
		Period:       period,
		ScheduledAt:  base.Add(time.Duration(hoursAhead) * time.Hour),
		Participants: []string{},
		Capacity:     model.DefaultCapacity,
		CreatedAt:    base,
	}
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("CreatePeriodTablesIsIdempotent", func(t *testing.T) { testCreatePeriodTables(t, open(t)) })
	t.Run("ConcurrentCreatePeriodTables", func(t *testing.T) { testConcurrentCreate(t, open(t)) })
	t.Run("GetTable", func(t *testing.T) { testGetTable(t, open(t)) })
	t.Run("ListTablesFiltersAndOrders", func(t *testing.T) { testListTables(t, open(t)) })
	t.Run("SaveParticipantsCompareAndSwap", func(t *testing.T) { testSaveParticipants(t, open(t)) })
	t.Run("SeatClaims", func(t *testing.T) { testSeatClaims(t, open(t)) })
	t.Run("ConcurrentSeatsNeverExceedCapacity", func(t *testing.T) { testConcurrentSeats(t, open(t)) })
	t.Run("ConcurrentClaimsAcrossTables", func(t *testing.T) { testConcurrentClaims(t, open(t)) })
	t.Run("DeleteTablesBefore", func(t *testing.T) { testDeleteTablesBefore(t, open(t)) })
	t.Run("FeedbackUniqueness", func(t *testing.T) { testFeedback(t, open(t)) })
	t.Run("Flags", func(t *testing.T) { testFlags(t, open(t)) })
	t.Run("WatchPublishesCommits", func(t *testing.T) { testWatch(t, open(t)) })
}

func seed(t *testing.T, s repository.Store, period string, tables ...model.Table) {
	t.Helper()
	n, err := s.CreatePeriodTables(context.Background(), period, tables)
	if err != nil {
		t.Fatalf("create period tables: %v", err)
	}
	if n != len(tables) {
		t.Fatalf("created = %d, want %d", n, len(tables))
	}
}

func testCreatePeriodTables(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03", NewTable("a", "2025-03", 1), NewTable("b", "2025-03", 2))

	n, err := s.CreatePeriodTables(ctx, "2025-03", []model.Table{NewTable("c", "2025-03", 3)})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if n != 0 {
		t.Fatalf("second create inserted %d, want 0", n)
	}
	got, err := s.ListTables(ctx, repository.TableQuery{Period: "2025-03"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tables = %d, want 2", len(got))
	}

	// A different period is independent.
	seed(t, s, "2025-04", NewTable("d", "2025-04", 800))
}

func testConcurrentCreate(t *testing.T, s repository.Store) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	results := make([]int, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := []model.Table{
				NewTable(fmt.Sprintf("w%d-1", i), "2025-03", 1),
				NewTable(fmt.Sprintf("w%d-2", i), "2025-03", 2),
			}
			results[i], errs[i] = s.CreatePeriodTables(ctx, "2025-03", batch)
		}()
	}
	wg.Wait()

	total := 0
	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		total += results[i]
	}
	if total != 2 {
		t.Fatalf("total created = %d, want 2", total)
	}
	got, err := s.ListTables(ctx, repository.TableQuery{Period: "2025-03"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tables = %d, want 2", len(got))
	}
}

func testGetTable(t *testing.T, s repository.Store) {
	ctx := context.Background()
	in := NewTable("a", "2025-03", 5)
	in.WomenOnly = true
	in.Activity = model.ActivityCamping
	seed(t, s, "2025-03", in)

	got, err := s.GetTable(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Activity != model.ActivityCamping || !got.WomenOnly || got.Period != "2025-03" {
		t.Fatalf("unexpected table %+v", got)
	}
	if !got.ScheduledAt.Equal(in.ScheduledAt) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, in.ScheduledAt)
	}
	if got.Capacity != model.DefaultCapacity {
		t.Fatalf("capacity = %d", got.Capacity)
	}
	if got.Participants == nil || len(got.Participants) != 0 {
		t.Fatalf("participants = %#v, want empty", got.Participants)
	}
	if got.Version <= 0 {
		t.Fatalf("version = %d, want positive", got.Version)
	}

	if _, err := s.GetTable(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing table error = %v, want %v", err, repository.ErrNotFound)
	}
}

func testListTables(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03",
		NewTable("late", "2025-03", 30),
		NewTable("early", "2025-03", 10),
		NewTable("past", "2025-03", -5),
	)

	all, err := s.ListTables(ctx, repository.TableQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ids := tableIDs(all); !slices.Equal(ids, []string{"past", "early", "late"}) {
		t.Fatalf("order = %v", ids)
	}

	future, err := s.ListTables(ctx, repository.TableQuery{ScheduledAfter: base})
	if err != nil {
		t.Fatalf("list future: %v", err)
	}
	if ids := tableIDs(future); !slices.Equal(ids, []string{"early", "late"}) {
		t.Fatalf("future = %v", ids)
	}

	early, _ := s.GetTable(ctx, "early")
	if _, err := s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "early", ExpectedVersion: early.Version, Participants: []string{"u1"}, Claim: "u1", Now: base,
	}); err != nil {
		t.Fatalf("save participants: %v", err)
	}
	mine, err := s.ListTables(ctx, repository.TableQuery{Participant: "u1", ScheduledAfter: base})
	if err != nil {
		t.Fatalf("list by participant: %v", err)
	}
	if ids := tableIDs(mine); !slices.Equal(ids, []string{"early"}) {
		t.Fatalf("participant filter = %v", ids)
	}
	none, err := s.ListTables(ctx, repository.TableQuery{Period: "2024-01"})
	if err != nil {
		t.Fatalf("list other period: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("other period = %v", tableIDs(none))
	}
}

func testSaveParticipants(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03", NewTable("a", "2025-03", 5))
	cur, _ := s.GetTable(ctx, "a")

	saved, err := s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "a", ExpectedVersion: cur.Version, Participants: []string{"u2", "u1"}, Now: base,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != cur.Version+1 {
		t.Fatalf("version = %d, want %d", saved.Version, cur.Version+1)
	}
	if !slices.Equal(saved.Participants, []string{"u2", "u1"}) {
		t.Fatalf("participants = %v, insertion order lost", saved.Participants)
	}

	_, err = s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "a", ExpectedVersion: cur.Version, Participants: []string{"u3"}, Now: base,
	})
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("stale write error = %v, want %v", err, repository.ErrVersionConflict)
	}
	after, _ := s.GetTable(ctx, "a")
	if !slices.Equal(after.Participants, []string{"u2", "u1"}) {
		t.Fatalf("stale write leaked: %v", after.Participants)
	}

	_, err = s.SaveParticipants(ctx, repository.ParticipantsWrite{TableID: "missing", ExpectedVersion: 1, Now: base})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing table error = %v, want %v", err, repository.ErrNotFound)
	}
}

func testSeatClaims(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03", NewTable("a", "2025-03", 5), NewTable("b", "2025-03", 6))

	book := func(id string, participants []string, claim, release string, now time.Time) error {
		cur, err := s.GetTable(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.SaveParticipants(ctx, repository.ParticipantsWrite{
			TableID: id, ExpectedVersion: cur.Version, Participants: participants,
			Claim: claim, Release: release, Now: now,
		})
		return err
	}

	if err := book("a", []string{"u1"}, "u1", "", base); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if err := book("b", []string{"u1"}, "u1", "", base); !errors.Is(err, repository.ErrUserClaimed) {
		t.Fatalf("second claim error = %v, want %v", err, repository.ErrUserClaimed)
	}
	b, _ := s.GetTable(ctx, "b")
	if len(b.Participants) != 0 {
		t.Fatalf("rejected claim leaked participants: %v", b.Participants)
	}
	// Re-claiming the same table is allowed.
	if err := book("a", []string{"u1", "u2"}, "u1", "", base); err != nil {
		t.Fatalf("reclaim same table: %v", err)
	}
	if err := book("a", []string{"u2"}, "", "u1", base); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if err := book("b", []string{"u1"}, "u1", "", base); err != nil {
		t.Fatalf("claim b after release: %v", err)
	}
	// Once b has passed the claim is stale and can be taken over.
	later := base.Add(7 * time.Hour)
	seed(t, s, "2025-04", NewTable("c", "2025-04", 800))
	if err := book("c", []string{"u1"}, "u1", "", later); err != nil {
		t.Fatalf("claim over stale seat: %v", err)
	}
}

var errFull = errors.New("table full")

// takeSeat is the read, check, conditional-write loop a booking runs against
// the store, retried until the write stops losing races.
func takeSeat(ctx context.Context, s repository.Store, tableID, userID string) error {
	for {
		cur, err := s.GetTable(ctx, tableID)
		if err != nil {
			return err
		}
		if slices.Contains(cur.Participants, userID) {
			return nil
		}
		if len(cur.Participants) >= cur.Capacity {
			return errFull
		}
		_, err = s.SaveParticipants(ctx, repository.ParticipantsWrite{
			TableID:         tableID,
			ExpectedVersion: cur.Version,
			Participants:    append(slices.Clone(cur.Participants), userID),
			Claim:           userID,
			Now:             base,
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return err
	}
}

func testConcurrentSeats(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03", NewTable("a", "2025-03", 5))
	const users = 12

	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = takeSeat(ctx, s, "a", fmt.Sprintf("u%d", i))
		}()
	}
	wg.Wait()

	var ok, full int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errFull):
			full++
		default:
			t.Fatalf("user %d: %v", i, err)
		}
	}
	if ok != model.DefaultCapacity || full != users-model.DefaultCapacity {
		t.Fatalf("ok = %d, full = %d, want %d and %d", ok, full, model.DefaultCapacity, users-model.DefaultCapacity)
	}

	got, err := s.GetTable(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Participants) != model.DefaultCapacity {
		t.Fatalf("participants = %v, want %d seats", got.Participants, model.DefaultCapacity)
	}
	seen := make(map[string]bool)
	for _, u := range got.Participants {
		if seen[u] {
			t.Fatalf("user %s seated twice: %v", u, got.Participants)
		}
		seen[u] = true
	}
}

func testConcurrentClaims(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03", NewTable("a", "2025-03", 5), NewTable("b", "2025-03", 6))
	const attempts = 8

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range attempts {
		table := "a"
		if i%2 == 1 {
			table = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = takeSeat(ctx, s, table, "u1")
		}()
	}
	wg.Wait()

	var claimed int
	for i, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrUserClaimed):
			claimed++
		default:
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if claimed == 0 {
		t.Fatal("expected the losing table to report ErrUserClaimed")
	}

	var seated int
	for _, id := range []string{"a", "b"} {
		tb, err := s.GetTable(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if slices.Contains(tb.Participants, "u1") {
			seated++
		}
	}
	if seated != 1 {
		t.Fatalf("u1 seated at %d tables, want 1", seated)
	}
}

func testDeleteTablesBefore(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "2025-03",
		NewTable("old1", "2025-03", -2),
		NewTable("old2", "2025-03", -1),
		NewTable("exact", "2025-03", 0),
		NewTable("new", "2025-03", 1),
	)
	old, _ := s.GetTable(ctx, "old1")
	if _, err := s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "old1", ExpectedVersion: old.Version, Participants: []string{"u1"}, Claim: "u1", Now: base.Add(-3 * time.Hour),
	}); err != nil {
		t.Fatalf("book old1: %v", err)
	}

	n, err := s.DeleteTablesBefore(ctx, base)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	left, _ := s.ListTables(ctx, repository.TableQuery{})
	if ids := tableIDs(left); !slices.Equal(ids, []string{"exact", "new"}) {
		t.Fatalf("remaining = %v", ids)
	}

	// The claim on the deleted table is gone even when evaluated at an
	// instant where it would still have counted as active.
	cur, _ := s.GetTable(ctx, "new")
	if _, err := s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "new", ExpectedVersion: cur.Version, Participants: []string{"u1"}, Claim: "u1", Now: base.Add(-3 * time.Hour),
	}); err != nil {
		t.Fatalf("claim after delete: %v", err)
	}

	n, err = s.DeleteTablesBefore(ctx, base)
	if err != nil || n != 0 {
		t.Fatalf("repeat delete = %d, %v; want 0, nil", n, err)
	}
}

func testFeedback(t *testing.T, s repository.Store) {
	ctx := context.Background()
	fb := model.Feedback{ID: "f1", TableID: "t1", RaterID: "r", RatedUserID: "x", Positive: false, CreatedAt: base}

	ok, err := s.InsertFeedback(ctx, fb)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v; want true, nil", ok, err)
	}
	fb.ID = "f2"
	ok, err = s.InsertFeedback(ctx, fb)
	if err != nil || ok {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", ok, err)
	}
	for i, other := range []model.Feedback{
		{ID: "f3", TableID: "t1", RaterID: "r", RatedUserID: "y", Positive: true, CreatedAt: base},
		{ID: "f4", TableID: "t2", RaterID: "r", RatedUserID: "x", Positive: false, CreatedAt: base},
		{ID: "f5", TableID: "t1", RaterID: "s", RatedUserID: "x", Positive: true, CreatedAt: base},
	} {
		if ok, err := s.InsertFeedback(ctx, other); err != nil || !ok {
			t.Fatalf("insert %d = %v, %v", i, ok, err)
		}
	}

	n, err := s.CountNegative(ctx, "x")
	if err != nil {
		t.Fatalf("count negative: %v", err)
	}
	if n != 2 {
		t.Fatalf("negative count = %d, want 2", n)
	}
	if n, _ := s.CountNegative(ctx, "nobody"); n != 0 {
		t.Fatalf("negative count for unknown user = %d", n)
	}

	has, err := s.HasFeedback(ctx, "t1", "r")
	if err != nil || !has {
		t.Fatalf("has feedback = %v, %v; want true", has, err)
	}
	has, err = s.HasFeedback(ctx, "t3", "r")
	if err != nil || has {
		t.Fatalf("has feedback for other table = %v, %v; want false", has, err)
	}
	rated, err := s.RatedUsers(ctx, "t1", "r")
	if err != nil {
		t.Fatalf("rated users: %v", err)
	}
	if !slices.Equal(rated, []string{"x", "y"}) {
		t.Fatalf("rated users = %v", rated)
	}
}

func testFlags(t *testing.T, s repository.Store) {
	ctx := context.Background()
	if _, err := s.GetFlag(ctx, "u1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing flag error = %v, want %v", err, repository.ErrNotFound)
	}
	rec := model.FlagRecord{UserID: "u1", FlaggedAt: base, Reason: "Multiple negative ratings"}
	ok, err := s.InsertFlag(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("insert flag = %v, %v; want true", ok, err)
	}
	rec.Reason = "again"
	ok, err = s.InsertFlag(ctx, rec)
	if err != nil || ok {
		t.Fatalf("duplicate flag = %v, %v; want false", ok, err)
	}
	got, err := s.GetFlag(ctx, "u1")
	if err != nil {
		t.Fatalf("get flag: %v", err)
	}
	if got.Reason != "Multiple negative ratings" || !got.FlaggedAt.Equal(base) {
		t.Fatalf("flag = %+v, first write should win", got)
	}
}

func testWatch(t *testing.T, s repository.Store) {
	ctx := context.Background()
	ch, cancel := s.Watch()
	defer cancel()

	seed(t, s, "2025-03", NewTable("a", "2025-03", 5))
	cur, _ := s.GetTable(ctx, "a")
	if _, err := s.SaveParticipants(ctx, repository.ParticipantsWrite{
		TableID: "a", ExpectedVersion: cur.Version, Participants: []string{"u1"}, Now: base,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-ch:
			if (c.Kind == model.ChangeTableUpserted && c.TableID == "a") || c.Kind == model.ChangeBulk {
				return
			}
		case <-deadline:
			t.Fatal("no change published for committed write")
		}
	}
}

func tableIDs(tables []model.Table) []string {
	ids := make([]string, len(tables))
	for i, t := range tables {
		ids[i] = t.ID
	}
	return ids
}
