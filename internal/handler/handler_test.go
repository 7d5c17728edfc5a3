package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/liveview"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/memory"
	"github.com/Shivanand-hulikatti/meet-tables/internal/service"
)

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	events *events.Recorder
	router http.Handler
}

func newFixture(t *testing.T, tables ...model.Table) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	if len(tables) > 0 {
		if _, err := store.CreatePeriodTables(context.Background(), "2025-03", tables); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	rec := &events.Recorder{}
	lifecycle := service.NewLifecycleService(store, service.LifecycleConfig{Seed: 1}, clock, logger)
	booking := service.NewBookingService(store, rec, 0, clock, logger)
	feedback := service.NewFeedbackService(store, rec, service.FlagPolicy{}, clock, logger)
	live := liveview.New(store, liveview.Engine{
		LifecycleService: lifecycle,
		BookingService:   booking,
		TableStore:       store,
	}, liveview.WithClock(clock), liveview.WithLogger(logger))

	h := NewTableHandler(lifecycle, booking, feedback, live, clock, logger)
	return &fixture{store: store, events: rec, router: NewRouter(h, logger)}
}

func table(id string, at time.Time, womenOnly bool, participants ...string) model.Table {
	if participants == nil {
		participants = []string{}
	}
	return model.Table{
		ID:           id,
		Activity:     model.ActivityBike,
		WomenOnly:    womenOnly,
		Period:       "2025-03",
		ScheduledAt:  at,
		Participants: participants,
		Capacity:     model.DefaultCapacity,
		CreatedAt:    now,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors header = %q", got)
	}
}

func TestRouterWithoutLogger(t *testing.T) {
	t.Parallel()

	clock := func() time.Time { return now }
	store := memory.New()
	lifecycle := service.NewLifecycleService(store, service.LifecycleConfig{}, clock, nil)
	booking := service.NewBookingService(store, &events.Recorder{}, 0, clock, nil)
	feedback := service.NewFeedbackService(store, &events.Recorder{}, service.FlagPolicy{}, clock, nil)
	live := liveview.New(store, liveview.Engine{
		LifecycleService: lifecycle,
		BookingService:   booking,
		TableStore:       store,
	}, liveview.WithClock(clock))
	router := NewRouter(NewTableHandler(lifecycle, booking, feedback, live, clock, nil), nil)

	// Every request passes through the access log.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tables/missing/bookings", strings.NewReader(`{"user_id":"u1"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGenerateTablesEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/periods/2025-04/tables", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if got := decode[model.GenerateResponse](t, rec); got.Created != 10 {
		t.Fatalf("created = %d, want 10", got.Created)
	}

	rec = f.do(t, http.MethodPost, "/periods/2025-04/tables", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", rec.Code)
	}
	if got := decode[model.GenerateResponse](t, rec); got.Created != 0 {
		t.Fatalf("second created = %d, want 0", got.Created)
	}

	if rec := f.do(t, http.MethodPost, "/periods/april/tables", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad period status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/periods/2025-01/tables", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("elapsed period status = %d, want 422", rec.Code)
	}
}

func TestListTablesFiltersByGender(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		table("regular", now.Add(time.Hour), false),
		table("women", now.Add(2*time.Hour), true),
	)

	cases := map[string]int{"male": 1, "MALE": 1, "female": 2, "": 2}
	for gender, want := range cases {
		rec := f.do(t, http.MethodGet, "/tables?gender="+gender, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", gender, rec.Code)
		}
		if got := decode[[]model.Table](t, rec); len(got) != want {
			t.Fatalf("%q: got %d tables, want %d", gender, len(got), want)
		}
	}
}

func TestListTablesFiltersByActivity(t *testing.T) {
	t.Parallel()

	dinner := table("dinner", now.Add(3*time.Hour), false)
	dinner.Activity = model.ActivityDinner
	f := newFixture(t, table("bike", now.Add(time.Hour), false), dinner)

	rec := f.do(t, http.MethodGet, "/tables?activity=Dinner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[[]model.Table](t, rec)
	if len(got) != 1 || got[0].ID != "dinner" {
		t.Fatalf("tables = %+v, want only dinner", got)
	}

	if rec := f.do(t, http.MethodGet, "/tables?activity=Skydiving", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown activity status = %d, want 400", rec.Code)
	}
}

func TestBookingLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		table("t1", now.Add(time.Hour), false, "a", "b", "c"),
		table("t2", now.Add(2*time.Hour), false),
	)

	rec := f.do(t, http.MethodPost, "/tables/t1/bookings", `{"user_id":"d"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[model.Table](t, rec); !got.IsFull() {
		t.Fatalf("table after last seat = %+v", got)
	}
	if f.events.Count(events.RKTableFilled) != 1 {
		t.Fatal("expected a table filled event")
	}

	cases := []struct {
		path, body string
		want       int
	}{
		{"/tables/t1/bookings", `{"user_id":"e"}`, http.StatusConflict},
		{"/tables/t1/bookings", `{"user_id":"d"}`, http.StatusConflict},
		{"/tables/t2/bookings", `{"user_id":"d"}`, http.StatusConflict},
		{"/tables/missing/bookings", `{"user_id":"d"}`, http.StatusNotFound},
		{"/tables/t2/bookings", `{"user_id":""}`, http.StatusBadRequest},
		{"/tables/t2/bookings", `{"user":"x"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := f.do(t, http.MethodPost, tc.path, tc.body); rec.Code != tc.want {
			t.Fatalf("POST %s %s: status = %d, want %d", tc.path, tc.body, rec.Code, tc.want)
		}
	}

	rec = f.do(t, http.MethodGet, "/users/d/booking", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("active booking status = %d", rec.Code)
	}
	if got := decode[model.Table](t, rec); got.ID != "t1" {
		t.Fatalf("active booking = %s, want t1", got.ID)
	}

	for range 2 {
		if rec := f.do(t, http.MethodDelete, "/tables/t1/bookings/d", ""); rec.Code != http.StatusNoContent {
			t.Fatalf("cancel status = %d", rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/users/d/booking", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("active booking after cancel status = %d, want 204", rec.Code)
	}
}

func TestExpireTablesEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		table("past", now.Add(-time.Hour), false),
		table("future", now.Add(time.Hour), false),
	)
	rec := f.do(t, http.MethodPost, "/tables/expire", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[model.ExpireResponse](t, rec); got.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", got.Deleted)
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		table("met", now.Add(-time.Hour), false, "a", "b", "c", "d"),
		table("soon", now.Add(time.Hour), false, "a", "b"),
	)

	rec := f.do(t, http.MethodGet, "/tables/met/feedback/a", "")
	status := decode[model.FeedbackStatus](t, rec)
	if status.Submitted || len(status.Pending) != 3 {
		t.Fatalf("status before rating = %+v", status)
	}

	for _, rater := range []string{"b", "c", "d"} {
		body := fmt.Sprintf(`{"rater_id":%q,"rated_user_id":"a","is_positive":false}`, rater)
		if rec := f.do(t, http.MethodPost, "/tables/met/feedback", body); rec.Code != http.StatusNoContent {
			t.Fatalf("feedback from %s: status = %d: %s", rater, rec.Code, rec.Body.String())
		}
	}

	rec = f.do(t, http.MethodGet, "/tables/met/feedback/b", "")
	status = decode[model.FeedbackStatus](t, rec)
	if !status.Submitted || len(status.Pending) != 2 {
		t.Fatalf("status after rating = %+v", status)
	}

	rec = f.do(t, http.MethodGet, "/users/a/negative-ratings", "")
	summary := decode[model.RatingSummary](t, rec)
	if summary.Count != 3 || !summary.Flagged || summary.FlaggedAt == nil {
		t.Fatalf("summary = %+v", summary)
	}
	if f.events.Count(events.RKUserFlagged) != 1 {
		t.Fatal("expected one user flagged event")
	}

	cases := []struct {
		path, body string
		want       int
	}{
		{"/tables/soon/feedback", `{"rater_id":"a","rated_user_id":"b","is_positive":true}`, http.StatusUnprocessableEntity},
		{"/tables/met/feedback", `{"rater_id":"a","rated_user_id":"a","is_positive":true}`, http.StatusBadRequest},
		{"/tables/met/feedback", `{"rater_id":"x","rated_user_id":"a","is_positive":true}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if rec := f.do(t, http.MethodPost, tc.path, tc.body); rec.Code != tc.want {
			t.Fatalf("POST %s %s: status = %d, want %d", tc.path, tc.body, rec.Code, tc.want)
		}
	}
}

func TestStatusForMapsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidInput, http.StatusBadRequest},
		{service.ErrTableNotFound, http.StatusNotFound},
		{service.ErrTableFull, http.StatusConflict},
		{service.ErrActiveBookingExists, http.StatusConflict},
		{service.ErrFeedbackTooEarly, http.StatusUnprocessableEntity},
		{fmt.Errorf("book table: %w", service.ErrBookingConflict), http.StatusServiceUnavailable},
		{fmt.Errorf("list: %w: %w", service.ErrStoreUnavailable, errors.New("io")), http.StatusServiceUnavailable},
		{service.ErrIntegrityViolation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

type sseEvent struct {
	id, event, data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamTable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, table("t1", now.Add(time.Hour), false))
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tables/t1/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := bufio.NewReader(resp.Body)

	first := readEvent(t, body)
	if first.id != "1" || first.event != "snapshot" {
		t.Fatalf("first event = %+v", first)
	}
	var tb model.Table
	if err := json.Unmarshal([]byte(first.data), &tb); err != nil || len(tb.Participants) != 0 {
		t.Fatalf("first payload = %s (%v)", first.data, err)
	}

	if rec := f.do(t, http.MethodPost, "/tables/t1/bookings", `{"user_id":"u1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d", rec.Code)
	}

	second := readEvent(t, body)
	if second.id != "2" {
		t.Fatalf("second event = %+v", second)
	}
	if err := json.Unmarshal([]byte(second.data), &tb); err != nil || len(tb.Participants) != 1 {
		t.Fatalf("second payload = %s (%v)", second.data, err)
	}
}
