// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/meet-tables/internal/liveview"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/service"
)

// TableHandler holds all HTTP handlers for the reservation API.
type TableHandler struct {
	lifecycle *service.LifecycleService
	booking   *service.BookingService
	feedback  *service.FeedbackService
	live      *liveview.Publisher
	clock     service.Clock
	logger    *slog.Logger
}

// NewTableHandler constructs a TableHandler.
func NewTableHandler(
	lifecycle *service.LifecycleService,
	booking *service.BookingService,
	feedback *service.FeedbackService,
	live *liveview.Publisher,
	clock service.Clock,
	logger *slog.Logger,
) *TableHandler {
	if clock == nil {
		clock = service.SystemClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TableHandler{
		lifecycle: lifecycle,
		booking:   booking,
		feedback:  feedback,
		live:      live,
		clock:     clock,
		logger:    logger,
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTableFull),
		errors.Is(err, service.ErrAlreadyBooked),
		errors.Is(err, service.ErrActiveBookingExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrTablePassed),
		errors.Is(err, service.ErrFeedbackTooEarly),
		errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, service.ErrPeriodElapsed):
		return http.StatusUnprocessableEntity
	case service.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *TableHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.logger.Warn(op+" unavailable", "error", err, "path", r.URL.Path)
	case status >= http.StatusInternalServerError:
		h.logger.Error(op+" failed", "error", err, "path", r.URL.Path)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// ─── Tables ───────────────────────────────────────────────────────────────────

// GenerateTables handles POST /periods/{period}/tables
// Creates the period's tables unless they already exist.
func (h *TableHandler) GenerateTables(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")

	created, err := h.lifecycle.GenerateTablesForPeriod(r.Context(), period)
	if err != nil {
		h.fail(w, r, "generate tables", err)
		return
	}

	status := http.StatusOK
	if created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, model.GenerateResponse{Period: period, Created: created})
}

// ListTables handles GET /tables?gender=
// Returns the upcoming tables visible to the caller.
func (h *TableHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	gender := model.ParseGender(r.URL.Query().Get("gender"))
	activity := model.Activity(r.URL.Query().Get("activity"))
	if activity != "" && !activity.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown activity %q", activity))
		return
	}

	tables, err := h.lifecycle.VisibleTables(r.Context(), gender, h.clock())
	if err != nil {
		h.fail(w, r, "list tables", err)
		return
	}
	if activity != "" {
		tables = slices.DeleteFunc(tables, func(t model.Table) bool { return t.Activity != activity })
	}

	// Return an empty array rather than null for better client compatibility.
	if tables == nil {
		tables = []model.Table{}
	}

	writeJSON(w, http.StatusOK, tables)
}

// ExpireTables handles POST /tables/expire
func (h *TableHandler) ExpireTables(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.lifecycle.ExpirePastTables(r.Context(), h.clock())
	if err != nil {
		h.fail(w, r, "expire tables", err)
		return
	}
	writeJSON(w, http.StatusOK, model.ExpireResponse{Deleted: deleted})
}

// ─── Bookings ─────────────────────────────────────────────────────────────────

// Book handles POST /tables/{id}/bookings
// Performs a concurrency-safe seat reservation.
func (h *TableHandler) Book(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req model.BookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	table, err := h.booking.Book(r.Context(), id, req.UserID)
	if err != nil {
		h.fail(w, r, "book table", err)
		return
	}

	writeJSON(w, http.StatusCreated, table)
}

// Cancel handles DELETE /tables/{id}/bookings/{userID}
func (h *TableHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := h.booking.Cancel(r.Context(), id, userID); err != nil {
		h.fail(w, r, "cancel booking", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveBooking handles GET /users/{id}/booking
// Responds 204 when the user has no upcoming booking.
func (h *TableHandler) ActiveBooking(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	table, err := h.booking.MyActiveBooking(r.Context(), userID, h.clock())
	if err != nil {
		h.fail(w, r, "active booking", err)
		return
	}
	if table == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// ─── Feedback ─────────────────────────────────────────────────────────────────

// SubmitFeedback handles POST /tables/{id}/feedback
func (h *TableHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req model.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.feedback.SubmitFeedback(r.Context(), id, req.RaterID, req.RatedUserID, req.Positive); err != nil {
		h.fail(w, r, "submit feedback", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FeedbackStatus handles GET /tables/{id}/feedback/{raterID}
// Reports whether the rater has submitted feedback and, while the table is
// still around, who is left to rate.
func (h *TableHandler) FeedbackStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raterID := chi.URLParam(r, "raterID")

	submitted, err := h.feedback.HasSubmittedFeedback(r.Context(), id, raterID)
	if err != nil {
		h.fail(w, r, "feedback status", err)
		return
	}

	resp := model.FeedbackStatus{Submitted: submitted}
	pending, err := h.feedback.PendingFeedback(r.Context(), id, raterID, h.clock())
	switch {
	case err == nil:
		resp.Pending = pending
	case statusFor(err) >= http.StatusInternalServerError:
		h.fail(w, r, "feedback status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RatingSummary handles GET /users/{id}/negative-ratings
func (h *TableHandler) RatingSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	count, err := h.feedback.NegativeRatingCount(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "negative ratings", err)
		return
	}
	flag, err := h.feedback.FlagStatus(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "flag status", err)
		return
	}

	resp := model.RatingSummary{UserID: userID, Count: count}
	if flag != nil {
		resp.Flagged = true
		resp.FlaggedAt = &flag.FlaggedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
