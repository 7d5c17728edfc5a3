// Package sqlite provides a SQLite-backed repository.Store for single-node
// deployments. All access goes through one connection, so SQLite's writer
// lock serialises transactions and conditional updates.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists tables, feedback and flags in SQLite.
type Store struct {
	db   *sql.DB
	feed *repository.Feed
}

var _ repository.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, feed: repository.NewFeed()}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Watch implements repository.Watcher.
func (s *Store) Watch() (<-chan model.Change, func()) {
	return s.feed.Watch()
}

const tableColumns = `id, activity, women_only, period, scheduled_at, participants, capacity, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(row rowScanner) (model.Table, error) {
	var (
		t            model.Table
		activity     string
		womenOnly    int
		scheduledAt  int64
		participants string
		createdAt    int64
	)
	if err := row.Scan(&t.ID, &activity, &womenOnly, &t.Period, &scheduledAt, &participants, &t.Capacity, &createdAt, &t.Version); err != nil {
		return model.Table{}, err
	}
	if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
		return model.Table{}, fmt.Errorf("decode participants of %s: %w", t.ID, err)
	}
	if t.Participants == nil {
		t.Participants = []string{}
	}
	t.Activity = model.Activity(activity)
	t.WomenOnly = womenOnly != 0
	t.ScheduledAt = fromMillis(scheduledAt)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func encodeParticipants(p []string) (string, error) {
	if p == nil {
		p = []string{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode participants: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreatePeriodTables implements repository.TableStore.
func (s *Store) CreatePeriodTables(ctx context.Context, period string, tables []model.Table) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM meeting_tables WHERE period = ?`, period).Scan(&existing); err != nil {
		return 0, fmt.Errorf("count period tables: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	for _, t := range tables {
		participants, err := encodeParticipants(t.Participants)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meeting_tables (`+tableColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			t.ID, string(t.Activity), boolInt(t.WomenOnly), period,
			toMillis(t.ScheduledAt), participants, t.Capacity, toMillis(t.CreatedAt),
		); err != nil {
			return 0, fmt.Errorf("insert table: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	for _, t := range tables {
		s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	}
	return len(tables), nil
}

// GetTable implements repository.TableStore.
func (s *Store) GetTable(ctx context.Context, id string) (model.Table, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tableColumns+` FROM meeting_tables WHERE id = ?`, id)
	t, err := scanTable(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		where = append(where, `period = ?`)
		args = append(args, q.Period)
	}
	if !q.ScheduledAfter.IsZero() {
		where = append(where, `scheduled_at > ?`)
		args = append(args, toMillis(q.ScheduledAfter))
	}
	if q.Participant != "" {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(meeting_tables.participants) WHERE json_each.value = ?)`)
		args = append(args, q.Participant)
	}
	query := `SELECT ` + tableColumns + ` FROM meeting_tables`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	participants, err := encodeParticipants(w.Participants)
	if err != nil {
		return model.Table{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Table{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTable(tx.QueryRowContext(ctx, `SELECT `+tableColumns+` FROM meeting_tables WHERE id = ?`, w.TableID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Table{}, repository.ErrNotFound
		}
		return model.Table{}, fmt.Errorf("read table: %w", err)
	}
	if t.Version != w.ExpectedVersion {
		return model.Table{}, repository.ErrVersionConflict
	}

	if w.Claim != "" {
		var heldTable string
		var heldAt int64
		err := tx.QueryRowContext(ctx,
			`SELECT table_id, scheduled_at FROM seat_claims WHERE user_id = ?`, w.Claim,
		).Scan(&heldTable, &heldAt)
		switch {
		case err == nil:
			if heldTable != t.ID && fromMillis(heldAt).After(w.Now) {
				return model.Table{}, repository.ErrUserClaimed
			}
		case !errors.Is(err, sql.ErrNoRows):
			return model.Table{}, fmt.Errorf("read seat claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seat_claims (user_id, table_id, scheduled_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET table_id = excluded.table_id, scheduled_at = excluded.scheduled_at`,
			w.Claim, t.ID, toMillis(t.ScheduledAt),
		); err != nil {
			return model.Table{}, fmt.Errorf("claim seat: %w", err)
		}
	}
	if w.Release != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM seat_claims WHERE user_id = ? AND table_id = ?`, w.Release, t.ID,
		); err != nil {
			return model.Table{}, fmt.Errorf("release seat: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE meeting_tables SET participants = ?, version = version + 1 WHERE id = ? AND version = ?`,
		participants, t.ID, w.ExpectedVersion,
	)
	if err != nil {
		return model.Table{}, fmt.Errorf("update participants: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Table{}, fmt.Errorf("update participants: %w", err)
	} else if n != 1 {
		return model.Table{}, repository.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return model.Table{}, fmt.Errorf("commit transaction: %w", err)
	}

	t.Participants = append([]string{}, w.Participants...)
	t.Version++
	s.feed.Publish(model.Change{Kind: model.ChangeTableUpserted, TableID: t.ID})
	return t, nil
}

// DeleteTablesBefore implements repository.TableStore.
func (s *Store) DeleteTablesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM meeting_tables WHERE scheduled_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("select expired tables: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired table: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("select expired tables: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seat_claims WHERE table_id IN (SELECT id FROM meeting_tables WHERE scheduled_at < ?)`,
		toMillis(cutoff),
	); err != nil {
		return 0, fmt.Errorf("delete seat claims: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_tables WHERE scheduled_at < ?`, toMillis(cutoff)); err != nil {
		return 0, fmt.Errorf("delete tables: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	for _, id := range ids {
		s.feed.Publish(model.Change{Kind: model.ChangeTableDeleted, TableID: id})
	}
	return len(ids), nil
}

// InsertFeedback implements repository.FeedbackStore.
func (s *Store) InsertFeedback(ctx context.Context, fb model.Feedback) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, table_id, rater_id, rated_user_id, is_positive, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (table_id, rater_id, rated_user_id) DO NOTHING`,
		fb.ID, fb.TableID, fb.RaterID, fb.RatedUserID, boolInt(fb.Positive), toMillis(fb.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.feed.Publish(model.Change{Kind: model.ChangeFeedbackAdded, TableID: fb.TableID})
	return true, nil
}

// HasFeedback implements repository.FeedbackStore.
func (s *Store) HasFeedback(ctx context.Context, tableID, raterID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback WHERE table_id = ? AND rater_id = ?)`,
		tableID, raterID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check feedback: %w", err)
	}
	return exists != 0, nil
}

// RatedUsers implements repository.FeedbackStore.
func (s *Store) RatedUsers(ctx context.Context, tableID, raterID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rated_user_id FROM feedback WHERE table_id = ? AND rater_id = ? ORDER BY rated_user_id ASC`,
		tableID, raterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rated users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rated user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountNegative implements repository.FeedbackStore.
func (s *Store) CountNegative(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE rated_user_id = ? AND is_positive = 0`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count negative feedback: %w", err)
	}
	return n, nil
}

// InsertFlag implements repository.FlagStore.
func (s *Store) InsertFlag(ctx context.Context, rec model.FlagRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO flagged_users (user_id, flagged_at, reason) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, toMillis(rec.FlaggedAt), rec.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("insert flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert flag: %w", err)
	}
	return n == 1, nil
}

// GetFlag implements repository.FlagStore.
func (s *Store) GetFlag(ctx context.Context, userID string) (model.FlagRecord, error) {
	var (
		rec       model.FlagRecord
		flaggedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, flagged_at, reason FROM flagged_users WHERE user_id = ?`, userID,
	).Scan(&rec.UserID, &flaggedAt, &rec.Reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FlagRecord{}, repository.ErrNotFound
		}
		return model.FlagRecord{}, fmt.Errorf("get flag: %w", err)
	}
	rec.FlaggedAt = fromMillis(flaggedAt)
	return rec, nil
}
