// Package postgres implements repository.Store on PostgreSQL using pgx
// directly (no ORM).
//
// Seat writes are optimistic: the table row is read without a lock and the
// participants update is conditioned on the version read. A concurrent writer
// makes the conditional UPDATE match zero rows, which surfaces as
// repository.ErrVersionConflict and lets the caller retry. The per-user seat
// claim is taken with a single conditional upsert in the same transaction, so
// two tables can never both hold the same user.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/postgres/migrations"
)

// Channel is the LISTEN/NOTIFY channel carrying committed changes.
const Channel = "meet_tables_changes"

// Store persists tables, feedback and flags in PostgreSQL.
type Store struct {
	db       *pgxpool.Pool
	feed     *repository.Feed
	instance string
	logger   *slog.Logger
}

var _ repository.Store = (*Store)(nil)

// New constructs a Store over an existing pool.
func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		db:       db,
		feed:     repository.NewFeed(),
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		body, err := fs.ReadFile(migrations.FS, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Watch implements repository.Watcher. Changes committed by this process are
// published directly; Listen relays changes committed by other processes.
func (s *Store) Watch() (<-chan model.Change, func()) {
	return s.feed.Watch()
}

type notification struct {
	Origin  string           `json:"origin"`
	Kind    model.ChangeKind `json:"kind"`
	TableID string           `json:"table_id,omitempty"`
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, kind model.ChangeKind, tableID string) error {
	payload, err := json.Marshal(notification{Origin: s.instance, Kind: kind, TableID: tableID})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Reconnect delays for Listen.
const (
	listenBackoffMin = 500 * time.Millisecond
	listenBackoffMax = 30 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	return min(2*d, listenBackoffMax)
}

// Listen holds one pooled connection on LISTEN and relays notifications
// from other instances onto the local feed until ctx is cancelled. A dropped
// connection is re-established with backoff; after a reconnect a bulk change
// is published because notifications sent in between are lost.
func (s *Store) Listen(ctx context.Context) error {
	backoff := listenBackoffMin
	reconnect := false
	for {
		err := s.listen(ctx, func() {
			backoff = listenBackoffMin
			if reconnect {
				s.feed.Publish(model.Change{Kind: model.ChangeBulk})
			}
			reconnect = true
		})
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("change listener disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// listen runs one LISTEN session. onListen is called once the channel is
// subscribed.
func (s *Store) listen(ctx context.Context, onListen func()) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onListen()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			s.logger.Warn("dropping malformed change notification", "payload", n.Payload, "error", err)
			continue
		}
		if msg.Origin == s.instance {
			continue
		}
		s.feed.Publish(model.Change{Kind: msg.Kind, TableID: msg.TableID})
	}
}

const tableColumns = `id, activity, women_only, period, scheduled_at, participants, capacity, created_at, version`

func scanTable(row pgx.Row) (model.Table, error) {
	var (
		t        model.Table
		activity string
	)
	if err := row.Scan(&t.ID, &activity, &t.WomenOnly, &t.Period, &t.ScheduledAt, &t.Participants, &t.Capacity, &t.CreatedAt, &t.Version); err != nil {
		return model.Table{}, err
	}
	t.Activity = model.Activity(activity)
	t.ScheduledAt = t.ScheduledAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	if t.Participants == nil {
		t.Participants = []string{}
	}
	return t, nil
}

// CreatePeriodTables implements repository.TableStore. A transaction-scoped
// advisory lock on the period serialises concurrent generators.
func (s *Store) CreatePeriodTables(ctx context.Context, period string, tables []model.Table) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "meet_tables_period:"+period); err != nil {
		return 0, fmt.Errorf("lock period: %w", err)
	}
	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM meeting_tables WHERE period = $1`, period).Scan(&existing); err != nil {
		return 0, fmt.Errorf("count period tables: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	for _, t := range tables {
		participants := t.Participants
		if participants == nil {
			participants = []string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO meeting_tables (`+tableColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
			t.ID, string(t.Activity), t.WomenOnly, period, t.ScheduledAt, participants, t.Capacity, t.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("insert table: %w", err)
		}
	}
	if err := s.notify(ctx, tx, model.ChangeTableUpserted, ""); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	for _, t := range tables {
		s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	}
	return len(tables), nil
}

// GetTable implements repository.TableStore.
func (s *Store) GetTable(ctx context.Context, id string) (model.Table, error) {
	t, err := scanTable(s.db.QueryRow(ctx, `SELECT `+tableColumns+` FROM meeting_tables WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Table{}, repository.ErrNotFound
		}
		return model.Table{}, fmt.Errorf("get table: %w", err)
	}
	return t, nil
}

// ListTables implements repository.TableStore.
func (s *Store) ListTables(ctx context.Context, q repository.TableQuery) ([]model.Table, error) {
	var (
		where []string
		args  []any
	)
	if q.Period != "" {
		args = append(args, q.Period)
		where = append(where, fmt.Sprintf(`period = $%d`, len(args)))
	}
	if !q.ScheduledAfter.IsZero() {
		args = append(args, q.ScheduledAfter)
		where = append(where, fmt.Sprintf(`scheduled_at > $%d`, len(args)))
	}
	if q.Participant != "" {
		args = append(args, q.Participant)
		where = append(where, fmt.Sprintf(`$%d = ANY(participants)`, len(args)))
	}
	query := `SELECT ` + tableColumns + ` FROM meeting_tables`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := []model.Table{}
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveParticipants implements repository.TableStore.
func (s *Store) SaveParticipants(ctx context.Context, w repository.ParticipantsWrite) (model.Table, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.Table{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTable(tx.QueryRow(ctx, `SELECT `+tableColumns+` FROM meeting_tables WHERE id = $1`, w.TableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Table{}, repository.ErrNotFound
		}
		return model.Table{}, fmt.Errorf("read table: %w", err)
	}
	if t.Version != w.ExpectedVersion {
		return model.Table{}, repository.ErrVersionConflict
	}

	if w.Claim != "" {
		// The upsert only overwrites a claim on the same table or a claim
		// whose table has already passed; otherwise no row comes back.
		var claimed string
		err := tx.QueryRow(ctx,
			`INSERT INTO seat_claims (user_id, table_id, scheduled_at) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO UPDATE
			   SET table_id = EXCLUDED.table_id, scheduled_at = EXCLUDED.scheduled_at
			   WHERE seat_claims.table_id = EXCLUDED.table_id OR seat_claims.scheduled_at <= $4
			 RETURNING table_id`,
			w.Claim, t.ID, t.ScheduledAt, w.Now,
		).Scan(&claimed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.Table{}, repository.ErrUserClaimed
			}
			return model.Table{}, fmt.Errorf("claim seat: %w", err)
		}
	}
	if w.Release != "" {
		if _, err := tx.Exec(ctx,
			`DELETE FROM seat_claims WHERE user_id = $1 AND table_id = $2`, w.Release, t.ID,
		); err != nil {
			return model.Table{}, fmt.Errorf("release seat: %w", err)
		}
	}

	participants := w.Participants
	if participants == nil {
		participants = []string{}
	}
	tag, err := tx.Exec(ctx,
		`UPDATE meeting_tables SET participants = $2, version = version + 1
		 WHERE id = $1 AND version = $3`,
		t.ID, participants, w.ExpectedVersion,
	)
	if err != nil {
		return model.Table{}, fmt.Errorf("update participants: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return model.Table{}, repository.ErrVersionConflict
	}
	if err := s.notify(ctx, tx, model.ChangeTableUpserted, t.ID); err != nil {
		return model.Table{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Table{}, fmt.Errorf("commit transaction: %w", err)
	}

	t.Participants = append([]string{}, participants...)
	t.Version++
	s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	return t, nil
}

// DeleteTablesBefore implements repository.TableStore. Seat claims go with
// their tables through the foreign key cascade.
func (s *Store) DeleteTablesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `DELETE FROM meeting_tables WHERE scheduled_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete tables: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("delete tables: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.notify(ctx, tx, model.ChangeTableDeleted, ""); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	for _, id := range ids {
		s.feed.Publish(model.Change{Kind: model.ChangeTableDeleted, TableID: id})
	}
	return len(ids), nil
}

// InsertFeedback implements repository.FeedbackStore.
func (s *Store) InsertFeedback(ctx context.Context, fb model.Feedback) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO feedback (id, table_id, rater_id, rated_user_id, is_positive, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (table_id, rater_id, rated_user_id) DO NOTHING`,
		fb.ID, fb.TableID, fb.RaterID, fb.RatedUserID, fb.Positive, fb.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.notify(ctx, tx, model.ChangeFeedbackAdded, fb.TableID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	s.feed.Publish(model.Change{Kind: model.ChangeFeedbackAdded, TableID: fb.TableID})
	return true, nil
}

// HasFeedback implements repository.FeedbackStore.
func (s *Store) HasFeedback(ctx context.Context, tableID, raterID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback WHERE table_id = $1 AND rater_id = $2)`,
		tableID, raterID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check feedback: %w", err)
	}
	return exists, nil
}

// RatedUsers implements repository.FeedbackStore.
func (s *Store) RatedUsers(ctx context.Context, tableID, raterID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT rated_user_id FROM feedback WHERE table_id = $1 AND rater_id = $2 ORDER BY rated_user_id ASC`,
		tableID, raterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rated users: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan rated users: %w", err)
	}
	return out, nil
}

// CountNegative implements repository.FeedbackStore.
func (s *Store) CountNegative(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback WHERE rated_user_id = $1 AND NOT is_positive`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count negative feedback: %w", err)
	}
	return n, nil
}

// InsertFlag implements repository.FlagStore.
func (s *Store) InsertFlag(ctx context.Context, rec model.FlagRecord) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO flagged_users (user_id, flagged_at, reason) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, rec.FlaggedAt, rec.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("insert flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetFlag implements repository.FlagStore.
func (s *Store) GetFlag(ctx context.Context, userID string) (model.FlagRecord, error) {
	var rec model.FlagRecord
	err := s.db.QueryRow(ctx,
		`SELECT user_id, flagged_at, reason FROM flagged_users WHERE user_id = $1`, userID,
	).Scan(&rec.UserID, &rec.FlaggedAt, &rec.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FlagRecord{}, repository.ErrNotFound
		}
		return model.FlagRecord{}, fmt.Errorf("get flag: %w", err)
	}
	rec.FlaggedAt = rec.FlaggedAt.UTC()
	return rec, nil
}
