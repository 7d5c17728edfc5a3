// Package events carries engine events to external collaborators: the
// notification dispatcher (TableFilled) and the moderation system
// (UserFlagged).
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Routing keys, also used as event names.
const (
	RKTableFilled = "table.filled"
	RKUserFlagged = "user.flagged"
)

// Event is anything the engine emits across its boundary.
type Event interface {
	RoutingKey() string
}

// TableFilled is emitted when a booking takes the last seat of a table.
type TableFilled struct {
	TableID      string    `json:"table_id"`
	Activity     string    `json:"activity"`
	DisplayName  string    `json:"display_name"`
	Participants []string  `json:"participants"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// RoutingKey implements Event.
func (TableFilled) RoutingKey() string { return RKTableFilled }

// UserFlagged is emitted once per user when the flag policy trips.
type UserFlagged struct {
	UserID        string    `json:"user_id"`
	Reason        string    `json:"reason"`
	NegativeCount int       `json:"negative_count"`
	FlaggedAt     time.Time `json:"flagged_at"`
}

// RoutingKey implements Event.
func (UserFlagged) RoutingKey() string { return RKUserFlagged }

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to a structured logger. It is the fallback
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "event published", "event", e.RoutingKey(), "payload", e)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events with the given routing key were published.
func (r *Recorder) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.RoutingKey() == key {
			n++
		}
	}
	return n
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
