package liveview

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/memory"
	"github.com/Shivanand-hulikatti/meet-tables/internal/service"
)

const waitFor = 2 * time.Second

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// fakeQueries serves a single table whose version the test controls.
type fakeQueries struct {
	version atomic.Int64
	gone    atomic.Bool
	fail    atomic.Pointer[error]
}

func (f *fakeQueries) VisibleTables(context.Context, model.Gender, time.Time) ([]model.Table, error) {
	return nil, nil
}

func (f *fakeQueries) MyActiveBooking(context.Context, string, time.Time) (*model.Table, error) {
	return nil, nil
}

func (f *fakeQueries) GetTable(_ context.Context, id string) (model.Table, error) {
	if p := f.fail.Load(); p != nil {
		return model.Table{}, *p
	}
	if f.gone.Load() {
		return model.Table{}, repository.ErrNotFound
	}
	return model.Table{ID: id, Version: f.version.Load(), Participants: []string{}}, nil
}

func next[T any](t *testing.T, sub *Subscription[T]) Snapshot[T] {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for snapshot")
	}
	panic("unreachable")
}

func expectNone[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case s := <-sub.C():
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeTableDeliversChanges(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	q := &fakeQueries{}
	q.version.Store(1)
	pub := New(feed, q, WithClock(clock))

	sub := pub.SubscribeTable(context.Background(), "t1")
	defer sub.Stop()

	first := next(t, sub)
	if first.Seq != 1 || first.Value == nil || first.Value.Version != 1 {
		t.Fatalf("first snapshot = %+v", first)
	}

	q.version.Store(2)
	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
	second := next(t, sub)
	if second.Seq != 2 || second.Value.Version != 2 {
		t.Fatalf("second snapshot = %+v", second)
	}

	q.gone.Store(true)
	feed.Publish(model.Change{Kind: model.ChangeTableDeleted, TableID: "t1"})
	third := next(t, sub)
	if third.Seq != 3 || third.Value != nil || third.Err != nil {
		t.Fatalf("snapshot after delete = %+v", third)
	}
}

func TestSubscribeTableIgnoresIrrelevantChanges(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	q := &fakeQueries{}
	pub := New(feed, q, WithClock(clock))

	sub := pub.SubscribeTable(context.Background(), "t1")
	defer sub.Stop()
	next(t, sub)

	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t2"})
	feed.Publish(model.Change{Kind: model.ChangeFeedbackAdded, TableID: "t1"})
	// Relevant but unchanged: recomputed and then skipped as a duplicate.
	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
	expectNone(t, sub)
}

func TestSubscribeTableRecomputesOnBulkChange(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	q := &fakeQueries{}
	q.version.Store(1)
	pub := New(feed, q, WithClock(clock))

	sub := pub.SubscribeTable(context.Background(), "t1")
	defer sub.Stop()
	next(t, sub)

	q.version.Store(2)
	feed.Publish(model.Change{Kind: model.ChangeBulk})
	if s := next(t, sub); s.Value == nil || s.Value.Version != 2 {
		t.Fatalf("snapshot after bulk change = %+v", s)
	}
}

func TestSnapshotsAreMonotonicAndLatestWins(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	q := &fakeQueries{}
	pub := New(feed, q, WithClock(clock))

	sub := pub.SubscribeTable(context.Background(), "t1")
	defer sub.Stop()

	const writes = 50
	for i := int64(1); i <= writes; i++ {
		q.version.Store(i)
		feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
	}

	var (
		lastSeq     uint64
		lastVersion int64 = -1
		received    int
	)
	for lastVersion != writes {
		s := next(t, sub)
		received++
		if s.Seq <= lastSeq {
			t.Fatalf("seq went from %d to %d", lastSeq, s.Seq)
		}
		if s.Value.Version <= lastVersion {
			t.Fatalf("version went from %d to %d", lastVersion, s.Value.Version)
		}
		lastSeq, lastVersion = s.Seq, s.Value.Version
	}
	if received > writes+1 {
		t.Fatalf("received %d snapshots for %d writes", received, writes)
	}
}

func TestStopIsSynchronousAndIdempotent(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	pub := New(feed, &fakeQueries{}, WithClock(clock))

	sub := pub.SubscribeTable(context.Background(), "t1")
	if feed.Listeners() != 1 || pub.Active() != 1 {
		t.Fatalf("listeners = %d, active = %d, want 1 and 1", feed.Listeners(), pub.Active())
	}

	sub.Stop()
	if feed.Listeners() != 0 {
		t.Fatalf("listeners after stop = %d, want 0", feed.Listeners())
	}
	if pub.Active() != 0 {
		t.Fatalf("active after stop = %d, want 0", pub.Active())
	}
	sub.Stop()

	// Drain whatever was pending; the channel must then be closed.
	for range sub.C() {
	}
	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
}

func TestParentContextEndsSubscription(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	pub := New(feed, &fakeQueries{}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	sub := pub.SubscribeTable(ctx, "t1")
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not end with its context")
	}
	if feed.Listeners() != 0 {
		t.Fatalf("listeners = %d, want 0", feed.Listeners())
	}
	sub.Stop()
}

func TestQueryErrorsAreDeliveredOnce(t *testing.T) {
	t.Parallel()

	feed := repository.NewFeed()
	q := &fakeQueries{}
	boom := errors.New("database is closed")
	q.fail.Store(&boom)
	// The failure is logged; a nil logger must fall back to discarding.
	pub := New(feed, q, WithClock(clock), WithLogger(nil))

	sub := pub.SubscribeTable(context.Background(), "t1")
	defer sub.Stop()

	s := next(t, sub)
	if !errors.Is(s.Err, boom) || s.Value != nil {
		t.Fatalf("snapshot = %+v, want error", s)
	}
	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
	expectNone(t, sub)

	q.fail.Store(nil)
	feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: "t1"})
	s = next(t, sub)
	if s.Err != nil || s.Value == nil || s.Seq != 2 {
		t.Fatalf("recovered snapshot = %+v", s)
	}
}

func TestVisibleTablesFollowBookings(t *testing.T) {
	t.Parallel()

	store := memory.New()
	womenOnly := model.Table{
		ID: "w1", Activity: model.ActivityCoffee, WomenOnly: true, Period: "2025-03",
		ScheduledAt: now.Add(24 * time.Hour), Participants: []string{}, Capacity: 4,
	}
	regular := model.Table{
		ID: "r1", Activity: model.ActivityWalk, Period: "2025-03",
		ScheduledAt: now.Add(48 * time.Hour), Participants: []string{}, Capacity: 4,
	}
	if _, err := store.CreatePeriodTables(context.Background(), "2025-03", []model.Table{womenOnly, regular}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lifecycle := service.NewLifecycleService(store, service.LifecycleConfig{}, clock, nil)
	booking := service.NewBookingService(store, &events.Recorder{}, 0, clock, nil)
	pub := New(store, Engine{LifecycleService: lifecycle, BookingService: booking, TableStore: store}, WithClock(clock))

	male := pub.SubscribeVisibleTables(context.Background(), model.GenderMale)
	defer male.Stop()
	female := pub.SubscribeVisibleTables(context.Background(), model.GenderFemale)
	defer female.Stop()
	mine := pub.SubscribeActiveBooking(context.Background(), "u1")
	defer mine.Stop()

	if s := next(t, male); len(s.Value) != 1 || s.Value[0].ID != "r1" {
		t.Fatalf("male snapshot = %+v", s.Value)
	}
	if s := next(t, female); len(s.Value) != 2 {
		t.Fatalf("female snapshot = %+v", s.Value)
	}
	if s := next(t, mine); s.Value != nil {
		t.Fatalf("active booking before booking = %+v", s.Value)
	}

	if _, err := booking.Book(context.Background(), "w1", "u1"); err != nil {
		t.Fatalf("book: %v", err)
	}

	s := next(t, female)
	if s.Seq != 2 || s.Value[0].ID != "w1" || len(s.Value[0].Participants) != 1 {
		t.Fatalf("female snapshot after booking = %+v", s)
	}
	if b := next(t, mine); b.Value == nil || b.Value.ID != "w1" {
		t.Fatalf("active booking = %+v", b.Value)
	}
	// The women-only table is invisible to male users, so nothing changed.
	expectNone(t, male)
}
