package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"sector7g/internal/schedule"
)

const entriesTable = "schedule_entries"

var entryColumns = []string{
	"id", "schedule", "timezone", "queue", "handler", "payload",
	"enabled", "last_fired_at", "created_at", "updated_at",
}

// SQLStore implements schedule.Store over database/sql. Times are stored as
// unix milliseconds.
type SQLStore struct {
	db    *sql.DB
	sb    sq.StatementBuilderType
	opts  schedule.Options
	now   func() time.Time
	close func() error
}

func newSQLStore(db *sql.DB, ph sq.PlaceholderFormat, opts schedule.Options, closeFn func() error) *SQLStore {
	return &SQLStore{
		db:    db,
		sb:    sq.StatementBuilder.PlaceholderFormat(ph).RunWith(db),
		opts:  opts,
		now:   time.Now,
		close: closeFn,
	}
}

func (s *SQLStore) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

func (s *SQLStore) Create(ctx context.Context, e schedule.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	n, err := s.insert(ctx, e)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrExists, e.ID)
	}
	return nil
}

// insert adds e unless the id is taken and reports rows written.
func (s *SQLStore) insert(ctx context.Context, e schedule.Entry) (int64, error) {
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	res, err := s.sb.Insert(entriesTable).
		Columns(entryColumns...).
		Values(e.ID, e.Schedule, e.Timezone, e.Queue, e.Handler, e.Payload,
			e.Enabled, msPtr(e.LastFiredAt), e.CreatedAt.UnixMilli(), now.UnixMilli()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Get(ctx context.Context, id string) (schedule.Entry, error) {
	row := s.sb.Select(entryColumns...).From(entriesTable).
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Entry{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLStore) List(ctx context.Context) ([]schedule.Entry, error) {
	return s.list(ctx, nil)
}

func (s *SQLStore) list(ctx context.Context, where sq.Sqlizer) ([]schedule.Entry, error) {
	q := s.sb.Select(entryColumns...).From(entriesTable).OrderBy("id")
	if where != nil {
		q = q.Where(where)
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []schedule.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, e schedule.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.updateDefinition(ctx, e)
}

func (s *SQLStore) updateDefinition(ctx context.Context, e schedule.Entry) error {
	res, err := s.sb.Update(entriesTable).
		SetMap(map[string]any{
			"schedule":   e.Schedule,
			"timezone":   e.Timezone,
			"queue":      e.Queue,
			"handler":    e.Handler,
			"payload":    e.Payload,
			"enabled":    e.Enabled,
			"updated_at": s.now().UnixMilli(),
		}).
		Where(sq.Eq{"id": e.ID}).
		ExecContext(ctx)
	return s.expectRow(res, err, "update", e.ID)
}

func (s *SQLStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.sb.Update(entriesTable).
		Set("enabled", enabled).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	return s.expectRow(res, err, "enable", id)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.sb.Delete(entriesTable).Where(sq.Eq{"id": id}).ExecContext(ctx)
	return s.expectRow(res, err, "delete", id)
}

func (s *SQLStore) expectRow(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s schedule %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s schedule %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return nil
}

func (s *SQLStore) Register(ctx context.Context, e schedule.Entry, force bool) (schedule.RegisterResult, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	e.LastFiredAt = nil
	n, err := s.insert(ctx, e)
	if err != nil {
		return "", fmt.Errorf("register schedule %s: %w", e.ID, err)
	}
	if n == 1 {
		return schedule.Created, nil
	}
	cur, err := s.Get(ctx, e.ID)
	if err != nil {
		return "", err
	}
	res := schedule.Decide(cur, e, force)
	if res == schedule.Updated {
		if err := s.updateDefinition(ctx, e); err != nil {
			return "", err
		}
	}
	return res, nil
}

func (s *SQLStore) DueEntries(ctx context.Context, now time.Time) ([]schedule.Due, error) {
	entries, err := s.list(ctx, sq.Eq{"enabled": true})
	if err != nil {
		return nil, err
	}
	var firstErr error
	due := schedule.SelectDue(entries, now, s.opts, func(e schedule.Entry, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("schedule %s: %w", e.ID, err)
		}
	})
	if len(due) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return due, nil
}

// MarkFired is a single conditional UPDATE; the row count decides the winner.
func (s *SQLStore) MarkFired(ctx context.Context, id string, firedAt time.Time) error {
	bound := schedule.ClaimableAfter(firedAt, s.opts.Tolerance).UnixMilli()
	res, err := s.sb.Update(entriesTable).
		Set("last_fired_at", firedAt.UnixMilli()).
		Where(sq.Eq{"id": id, "enabled": true}).
		Where(sq.Or{sq.Eq{"last_fired_at": nil}, sq.Lt{"last_fired_at": bound}}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("claim schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim schedule %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return schedule.ErrDuplicateScheduleClaim
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (schedule.Entry, error) {
	var (
		e                  schedule.Entry
		last               sql.NullInt64
		created, updatedAt int64
	)
	if err := r.Scan(&e.ID, &e.Schedule, &e.Timezone, &e.Queue, &e.Handler, &e.Payload,
		&e.Enabled, &last, &created, &updatedAt); err != nil {
		return schedule.Entry{}, err
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		e.LastFiredAt = &t
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return e, nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

var _ schedule.Store = (*SQLStore)(nil)
