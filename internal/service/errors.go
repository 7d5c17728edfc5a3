package service

import "errors"

// Business errors: expected outcomes of valid concurrent use. Never retried.
var (
	ErrTableNotFound       = errors.New("table not found")
	ErrTableFull           = errors.New("table is fully booked")
	ErrAlreadyBooked       = errors.New("user already booked this table")
	ErrActiveBookingExists = errors.New("user already has an active booking")
	ErrTablePassed         = errors.New("table has already taken place")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotParticipant      = errors.New("user is not a participant of this table")
	ErrFeedbackTooEarly    = errors.New("feedback opens after the meeting")
	ErrPeriodElapsed       = errors.New("no future slot left in period")
)

// Transient errors: returned once the internal retry budget is spent.
var (
	ErrBookingConflict  = errors.New("booking conflict: too much contention on table")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrIntegrityViolation reports broken data invariants, such as a user seated
// at two active tables.
var ErrIntegrityViolation = errors.New("data integrity violation")

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBookingConflict) || errors.Is(err, ErrStoreUnavailable)
}
