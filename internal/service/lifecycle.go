package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
)

// ScheduleWindow bounds the time of day of generated tables. Slots run from
// FirstHour:00 to LastHour:00 inclusive, every StepMinutes.
type ScheduleWindow struct {
	FirstHour   int
	LastHour    int
	StepMinutes int
}

// DefaultWindow is 14:00–20:00 on the half hour.
var DefaultWindow = ScheduleWindow{FirstHour: 14, LastHour: 20, StepMinutes: 30}

// LifecycleConfig configures table generation.
type LifecycleConfig struct {
	Capacity int
	Window   ScheduleWindow
	Location *time.Location
	// Seed makes slot selection reproducible.
	Seed uint64
}

// LifecycleService populates and retires tables.
type LifecycleService struct {
	tables repository.TableStore
	cfg    LifecycleConfig
	clock  Clock
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLifecycleService constructs a LifecycleService. Zero config fields take
// defaults.
func NewLifecycleService(tables repository.TableStore, cfg LifecycleConfig, clock Clock, logger *slog.Logger) *LifecycleService {
	if cfg.Capacity <= 0 {
		cfg.Capacity = model.DefaultCapacity
	}
	if cfg.Window == (ScheduleWindow{}) {
		cfg.Window = DefaultWindow
	}
	if cfg.Window.StepMinutes <= 0 {
		cfg.Window.StepMinutes = 60
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clock == nil {
		clock = SystemClock
	}
	return &LifecycleService{
		tables: tables,
		cfg:    cfg,
		clock:  clock,
		logger: orDiscard(logger),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// GenerateTablesForPeriod creates one regular and one women-only table per
// activity for period (YYYY-MM) and returns how many were created. When the
// period already has tables nothing is created.
func (s *LifecycleService) GenerateTablesForPeriod(ctx context.Context, period string) (int, error) {
	p, err := model.ParsePeriod(period)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := p.String()

	existing, err := s.tables.ListTables(ctx, repository.TableQuery{Period: key})
	if err != nil {
		return 0, fmt.Errorf("generate tables: %w: %w", ErrStoreUnavailable, err)
	}
	if len(existing) > 0 {
		s.logger.Debug("tables already exist for period, skipping generation",
			"period", key, "existing", len(existing))
		return 0, nil
	}

	now := s.clock()
	slots, err := s.pickSlots(p, now, 2*len(model.Activities))
	if err != nil {
		return 0, err
	}

	tables := make([]model.Table, 0, len(slots))
	for i, activity := range model.Activities {
		for j, womenOnly := range []bool{false, true} {
			tables = append(tables, model.Table{
				ID:           uuid.NewString(),
				Activity:     activity,
				WomenOnly:    womenOnly,
				Period:       key,
				ScheduledAt:  slots[2*i+j],
				Participants: []string{},
				Capacity:     s.cfg.Capacity,
				CreatedAt:    now.UTC(),
			})
		}
	}

	created, err := s.tables.CreatePeriodTables(ctx, key, tables)
	if err != nil {
		return 0, fmt.Errorf("generate tables: %w: %w", ErrStoreUnavailable, err)
	}
	if created == 0 {
		s.logger.Debug("concurrent generation won the race for period", "period", key)
		return 0, nil
	}
	s.logger.Info("generated tables for period", "period", key, "created", created)
	return created, nil
}

// pickSlots draws n slots in (now, periodEnd] from the schedule window,
// distinct while enough candidates exist, sorted ascending.
func (s *LifecycleService) pickSlots(p model.Period, now time.Time, n int) ([]time.Time, error) {
	loc := s.cfg.Location
	end := p.End(loc)
	w := s.cfg.Window

	var candidates []time.Time
	for day := p.Start(loc); day.Before(end); day = day.AddDate(0, 0, 1) {
		for h := w.FirstHour; h <= w.LastHour; h++ {
			for m := 0; m < 60; m += w.StepMinutes {
				if h == w.LastHour && m > 0 {
					break
				}
				slot := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
				if slot.After(now) && !slot.After(end) {
					candidates = append(candidates, slot)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPeriodElapsed, p)
	}

	s.mu.Lock()
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.mu.Unlock()

	out := make([]time.Time, n)
	for i := range out {
		out[i] = candidates[i%len(candidates)].UTC()
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

// EnsureCurrentPeriod generates the current period's tables if missing. When
// no slot is left in the current period it generates the next one instead.
func (s *LifecycleService) EnsureCurrentPeriod(ctx context.Context) (int, error) {
	current := model.PeriodOf(s.clock().In(s.cfg.Location))
	n, err := s.GenerateTablesForPeriod(ctx, current.String())
	if !errors.Is(err, ErrPeriodElapsed) {
		return n, err
	}
	next := model.PeriodOf(current.End(s.cfg.Location))
	s.logger.Info("current period has no slots left, generating next", "current", current.String(), "next", next.String())
	return s.GenerateTablesForPeriod(ctx, next.String())
}

// VisibleTables returns upcoming tables the user may see, ascending by
// scheduled time. Women-only tables are hidden from male users.
func (s *LifecycleService) VisibleTables(ctx context.Context, gender model.Gender, now time.Time) ([]model.Table, error) {
	all, err := s.tables.ListTables(ctx, repository.TableQuery{ScheduledAfter: now})
	if err != nil {
		return nil, fmt.Errorf("list visible tables: %w: %w", ErrStoreUnavailable, err)
	}
	out := make([]model.Table, 0, len(all))
	for _, t := range all {
		if gender.CanSee(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ExpirePastTables deletes tables scheduled before now and returns how many
// were removed.
func (s *LifecycleService) ExpirePastTables(ctx context.Context, now time.Time) (int, error) {
	n, err := s.tables.DeleteTablesBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire tables: %w: %w", ErrStoreUnavailable, err)
	}
	if n > 0 {
		s.logger.Info("expired past tables", "deleted", n, "cutoff", now)
	}
	return n, nil
}
