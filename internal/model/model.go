// Package model defines the core domain types for the meeting table engine.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultCapacity is the number of seats in a generated table.
const DefaultCapacity = 4

// Activity is the kind of meetup a table is for.
type Activity string

const (
	ActivityDinner  Activity = "Dinner"
	ActivityCoffee  Activity = "Coffee"
	ActivityCamping Activity = "Camping"
	ActivityWalk    Activity = "Walk"
	ActivityBike    Activity = "Bike"
)

// Activities lists every activity in generation order.
var Activities = []Activity{
	ActivityDinner,
	ActivityCoffee,
	ActivityCamping,
	ActivityWalk,
	ActivityBike,
}

// Valid reports whether a is one of the known activities.
func (a Activity) Valid() bool {
	return slices.Contains(Activities, a)
}

// Gender is the user attribute that drives women-only visibility.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ParseGender normalises a free-form gender value. Unknown values map to
// GenderOther, which sees every table.
func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	default:
		return GenderOther
	}
}

// CanSee reports whether a user of gender g may see table t.
func (g Gender) CanSee(t Table) bool {
	return !(t.WomenOnly && g == GenderMale)
}

// Table represents a capacity-limited meeting slot.
type Table struct {
	ID           string    `json:"id"`
	Activity     Activity  `json:"activity"`
	WomenOnly    bool      `json:"women_only"`
	Period       string    `json:"period"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Participants []string  `json:"participants"`
	Capacity     int       `json:"capacity"`
	CreatedAt    time.Time `json:"created_at"`
	// Version is bumped by the store on every participants write and is the
	// token compared by conditional updates.
	Version int64 `json:"version"`
}

// SeatsLeft returns the number of free seats.
func (t *Table) SeatsLeft() int {
	return t.Capacity - len(t.Participants)
}

// IsFull returns true when no seats remain.
func (t *Table) IsFull() bool {
	return len(t.Participants) >= t.Capacity
}

// HasPassed reports whether the meeting time is behind now.
func (t *Table) HasPassed(now time.Time) bool {
	return now.After(t.ScheduledAt)
}

// HasParticipant reports whether userID holds a seat.
func (t *Table) HasParticipant(userID string) bool {
	return slices.Contains(t.Participants, userID)
}

// ChatOpen reports whether the group chat is unlocked for this table.
func (t *Table) ChatOpen() bool {
	return t.IsFull()
}

// DisplayName returns the user-facing table title.
func (t *Table) DisplayName() string {
	if t.WomenOnly {
		return "Women-only " + string(t.Activity)
	}
	return string(t.Activity)
}

// Clone returns a deep copy so callers never share the participants slice.
func (t Table) Clone() Table {
	t.Participants = slices.Clone(t.Participants)
	if t.Participants == nil {
		t.Participants = []string{}
	}
	return t
}

// Feedback is a directed post-meeting rating between two participants.
type Feedback struct {
	ID          string    `json:"id"`
	TableID     string    `json:"table_id"`
	RaterID     string    `json:"rater_id"`
	RatedUserID string    `json:"rated_user_id"`
	Positive    bool      `json:"is_positive"`
	CreatedAt   time.Time `json:"created_at"`
}

// FlagRecord marks a user who crossed the negative-rating threshold.
type FlagRecord struct {
	UserID    string    `json:"user_id"`
	FlaggedAt time.Time `json:"flagged_at"`
	Reason    string    `json:"reason"`
}

// Period is a calendar month in YYYY-MM form.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

// ParsePeriod parses a YYYY-MM period identifier.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, strings.TrimSpace(s))
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: want YYYY-MM", s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t in t's location.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String returns the YYYY-MM form.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns the first instant of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, loc)
}

// End returns the first instant after the period in loc.
func (p Period) End(loc *time.Location) time.Time {
	return p.Start(loc).AddDate(0, 1, 0)
}

// ChangeKind describes a committed store mutation.
type ChangeKind string

const (
	ChangeTableUpserted ChangeKind = "table.upserted"
	ChangeTableDeleted  ChangeKind = "table.deleted"
	ChangeFeedbackAdded ChangeKind = "feedback.added"

	// ChangeBulk stands in for changes a slow listener missed. It matches
	// every query.
	ChangeBulk ChangeKind = "bulk"
)

// Change is published on the store's change feed after a commit.
// TableID is empty for bulk changes that may touch any table.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	TableID string     `json:"table_id,omitempty"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BookRequest is the payload for booking a seat.
type BookRequest struct {
	UserID string `json:"user_id"`
}

// FeedbackRequest is the payload for rating a co-participant.
type FeedbackRequest struct {
	RaterID     string `json:"rater_id"`
	RatedUserID string `json:"rated_user_id"`
	Positive    bool   `json:"is_positive"`
}

// GenerateResponse reports how many tables a generation call created.
type GenerateResponse struct {
	Period  string `json:"period"`
	Created int    `json:"created"`
}

// ExpireResponse reports how many tables were removed.
type ExpireResponse struct {
	Deleted int `json:"deleted"`
}

// FeedbackStatus tells a rater whether they already rated a table.
type FeedbackStatus struct {
	Submitted bool     `json:"submitted"`
	Pending   []string `json:"pending,omitempty"`
}

// RatingSummary is the moderation view of a user.
type RatingSummary struct {
	UserID    string     `json:"user_id"`
	Count     int        `json:"count"`
	Flagged   bool       `json:"flagged"`
	FlaggedAt *time.Time `json:"flagged_at,omitempty"`
}
