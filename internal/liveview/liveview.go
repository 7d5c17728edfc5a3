// Package liveview turns the store's change feed into push subscriptions.
//
// A subscription is a standing query. Whenever a committed change may affect
// its result the query is re-run and the full result is delivered as a new
// Snapshot. Consumers never see partial updates, and a slow consumer only
// ever sees the latest snapshot.
package liveview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/service"
)

// DefaultRefresh re-runs time-dependent queries so tables drop out of view
// once their meeting time passes, even without a store write.
const DefaultRefresh = time.Minute

// Snapshot is one delivered query result. Seq strictly increases per
// subscription. Err is set when the query failed; Value is then zero.
type Snapshot[T any] struct {
	Seq   uint64
	Value T
	Err   error
}

// Subscription delivers snapshots of one standing query.
type Subscription[T any] struct {
	c    chan Snapshot[T]
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// C returns the delivery channel. It is closed once the subscription ends.
func (s *Subscription[T]) C() <-chan Snapshot[T] { return s.c }

// Stop ends the subscription and waits for its worker to release the feed
// listener. Calling Stop more than once is a no-op.
func (s *Subscription[T]) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed when the subscription has ended.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Queries is what the publisher reads from.
type Queries interface {
	VisibleTables(ctx context.Context, gender model.Gender, now time.Time) ([]model.Table, error)
	MyActiveBooking(ctx context.Context, userID string, now time.Time) (*model.Table, error)
	GetTable(ctx context.Context, id string) (model.Table, error)
}

// Engine adapts the engine services and store to Queries.
type Engine struct {
	*service.LifecycleService
	*service.BookingService
	repository.TableStore
}

var _ Queries = Engine{}

// Publisher creates subscriptions over a store's change feed.
type Publisher struct {
	watcher repository.Watcher
	queries Queries
	clock   service.Clock
	refresh time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used for time-dependent queries.
func WithClock(c service.Clock) Option { return func(p *Publisher) { p.clock = c } }

// WithRefresh sets how often time-dependent queries are re-run. Zero disables it.
func WithRefresh(d time.Duration) Option { return func(p *Publisher) { p.refresh = d } }

// WithLogger sets the logger. A nil logger keeps the default, which discards.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New constructs a Publisher.
func New(watcher repository.Watcher, queries Queries, opts ...Option) *Publisher {
	p := &Publisher{
		watcher: watcher,
		queries: queries,
		clock:   service.SystemClock,
		refresh: DefaultRefresh,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Active returns the number of running subscriptions.
func (p *Publisher) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SubscribeVisibleTables streams the upcoming tables a user of gender may see.
func (p *Publisher) SubscribeVisibleTables(ctx context.Context, gender model.Gender) *Subscription[[]model.Table] {
	return subscribe(ctx, p, query[[]model.Table]{
		name:     "visible_tables",
		periodic: true,
		relevant: isTableChange,
		run: func(ctx context.Context) ([]model.Table, error) {
			return p.queries.VisibleTables(ctx, gender, p.clock())
		},
		equal: sameTables,
	})
}

// SubscribeActiveBooking streams the user's upcoming booking, nil when there
// is none.
func (p *Publisher) SubscribeActiveBooking(ctx context.Context, userID string) *Subscription[*model.Table] {
	return subscribe(ctx, p, query[*model.Table]{
		name:     "active_booking",
		periodic: true,
		relevant: isTableChange,
		run: func(ctx context.Context) (*model.Table, error) {
			return p.queries.MyActiveBooking(ctx, userID, p.clock())
		},
		equal: sameTable,
	})
}

// SubscribeTable streams one table, nil once it has been deleted.
func (p *Publisher) SubscribeTable(ctx context.Context, tableID string) *Subscription[*model.Table] {
	return subscribe(ctx, p, query[*model.Table]{
		name: "table",
		relevant: func(c model.Change) bool {
			return isTableChange(c) && (c.TableID == "" || c.TableID == tableID)
		},
		run: func(ctx context.Context) (*model.Table, error) {
			t, err := p.queries.GetTable(ctx, tableID)
			if errors.Is(err, repository.ErrNotFound) || errors.Is(err, service.ErrTableNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
		equal: sameTable,
	})
}

func isTableChange(c model.Change) bool {
	return c.Kind != model.ChangeFeedbackAdded
}

// Tables are equal when they hold the same ids at the same versions. Every
// mutable field change bumps the version.
func sameTables(a, b []model.Table) bool {
	return slices.EqualFunc(a, b, func(x, y model.Table) bool {
		return x.ID == y.ID && x.Version == y.Version
	})
}

func sameTable(a, b *model.Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Version == b.Version
}
