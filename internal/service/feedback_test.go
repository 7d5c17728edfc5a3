package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/memory"
)

func newFeedbackFixture(t *testing.T, now time.Time) (*FeedbackService, *memory.Store, *events.Recorder) {
	t.Helper()
	store := memory.New()
	seedTables(t, store,
		newTable("met", testNow.Add(-2*time.Hour), "a", "b", "c", "d"),
		newTable("other", testNow.Add(-3*time.Hour), "a", "e", "f"),
		newTable("upcoming", testNow.Add(24*time.Hour), "a", "b"),
	)
	rec := &events.Recorder{}
	return NewFeedbackService(store, rec, FlagPolicy{}, fixedClock(now), nil), store, rec
}

func TestShouldFlag(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]bool{0: false, 1: false, 2: false, 3: true, 4: true, 10: true} {
		if got := ShouldFlag(n); got != want {
			t.Fatalf("ShouldFlag(%d) = %v, want %v", n, got, want)
		}
	}
	if (FlagPolicy{Threshold: 5}).ShouldFlag(4) {
		t.Fatal("custom threshold of 5 should not flag at 4")
	}
	if !(FlagPolicy{Threshold: 5}).ShouldFlag(5) {
		t.Fatal("custom threshold of 5 should flag at 5")
	}
}

func TestSubmitFeedbackValidation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFeedbackFixture(t, testNow)
	ctx := context.Background()

	cases := []struct {
		name                string
		table, rater, rated string
		want                error
	}{
		{"self rating", "met", "a", "a", ErrInvalidInput},
		{"missing rater", "met", "", "b", ErrInvalidInput},
		{"missing table", "", "a", "b", ErrInvalidInput},
		{"before the meeting", "upcoming", "a", "b", ErrFeedbackTooEarly},
		{"rater not seated", "met", "e", "a", ErrNotParticipant},
		{"rated user not seated", "met", "a", "e", ErrNotParticipant},
	}
	for _, tc := range cases {
		if err := svc.SubmitFeedback(ctx, tc.table, tc.rater, tc.rated, true); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSubmitFeedbackDeduplicates(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFeedbackFixture(t, testNow)
	ctx := context.Background()

	for range 3 {
		if err := svc.SubmitFeedback(ctx, "met", "b", "a", false); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	n, err := svc.NegativeRatingCount(ctx, "a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("negative count = %d, want 1", n)
	}
	ok, err := svc.HasSubmittedFeedback(ctx, "met", "b")
	if err != nil || !ok {
		t.Fatalf("has submitted = %v, %v", ok, err)
	}
	ok, err = svc.HasSubmittedFeedback(ctx, "met", "c")
	if err != nil || ok {
		t.Fatalf("has submitted for c = %v, %v", ok, err)
	}
}

func TestFlagThreshold(t *testing.T) {
	t.Parallel()

	svc, _, rec := newFeedbackFixture(t, testNow)
	ctx := context.Background()

	submit := func(table, rater string) {
		t.Helper()
		if err := svc.SubmitFeedback(ctx, table, rater, "a", false); err != nil {
			t.Fatalf("submit %s/%s: %v", table, rater, err)
		}
	}

	submit("met", "b")
	submit("met", "c")
	if flag, _ := svc.FlagStatus(ctx, "a"); flag != nil {
		t.Fatalf("flagged after two negatives: %+v", flag)
	}
	if got := rec.Count(events.RKUserFlagged); got != 0 {
		t.Fatalf("flag events = %d, want 0", got)
	}

	submit("met", "d")
	flag, err := svc.FlagStatus(ctx, "a")
	if err != nil {
		t.Fatalf("flag status: %v", err)
	}
	if flag == nil || flag.Reason != FlagReason {
		t.Fatalf("flag = %+v, want reason %q", flag, FlagReason)
	}
	if got := rec.Count(events.RKUserFlagged); got != 1 {
		t.Fatalf("flag events after third negative = %d, want 1", got)
	}

	submit("other", "e")
	submit("met", "d")
	if got := rec.Count(events.RKUserFlagged); got != 1 {
		t.Fatalf("flag events after more negatives = %d, want 1", got)
	}
	ev, ok := rec.Events()[0].(events.UserFlagged)
	if !ok || ev.UserID != "a" || ev.NegativeCount != 3 {
		t.Fatalf("unexpected event %+v", rec.Events()[0])
	}
}

func TestPositiveFeedbackNeverFlags(t *testing.T) {
	t.Parallel()

	svc, _, rec := newFeedbackFixture(t, testNow)
	ctx := context.Background()
	for _, rater := range []string{"b", "c", "d"} {
		if err := svc.SubmitFeedback(ctx, "met", rater, "a", true); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if n, _ := svc.NegativeRatingCount(ctx, "a"); n != 0 {
		t.Fatalf("negative count = %d, want 0", n)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("unexpected events %v", rec.Events())
	}
}

func TestFeedbackAfterTableExpired(t *testing.T) {
	t.Parallel()

	svc, store, _ := newFeedbackFixture(t, testNow)
	ctx := context.Background()
	if _, err := store.DeleteTablesBefore(ctx, testNow); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.SubmitFeedback(ctx, "met", "b", "a", false); err != nil {
		t.Fatalf("submit on expired table: %v", err)
	}
}

func TestPendingFeedback(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFeedbackFixture(t, testNow)
	ctx := context.Background()

	pending, err := svc.PendingFeedback(ctx, "met", "a", testNow)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !slices.Equal(pending, []string{"b", "c", "d"}) {
		t.Fatalf("pending = %v, want [b c d]", pending)
	}

	if err := svc.SubmitFeedback(ctx, "met", "a", "c", true); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending, _ = svc.PendingFeedback(ctx, "met", "a", testNow)
	if !slices.Equal(pending, []string{"b", "d"}) {
		t.Fatalf("pending = %v, want [b d]", pending)
	}

	if _, err := svc.PendingFeedback(ctx, "upcoming", "a", testNow); !errors.Is(err, ErrFeedbackTooEarly) {
		t.Fatalf("expected ErrFeedbackTooEarly, got %v", err)
	}
	if _, err := svc.PendingFeedback(ctx, "met", "e", testNow); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.PendingFeedback(ctx, "missing", "a", testNow); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}
