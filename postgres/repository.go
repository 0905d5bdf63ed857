// Package postgres implements the datatask Repository on PostgreSQL with pgx.
//
// Records are stored as JSONB next to the columns used for filtering. Every
// inserted id is also kept in task_ids, which is never cleared, so ids are
// not reused.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/datatask"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is a datatask.Repository on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ datatask.Repository = (*Repository)(nil)

// NewRepository returns a Repository using pool. The schema must have been
// created with Migrate.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects to url, applies the migrations and returns the Repository.
func Open(ctx context.Context, url string, log datatask.Logger) (*Repository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool), nil
}

// Close shuts down the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repository) Insert(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO task_ids (id) VALUES ($1) ON CONFLICT DO NOTHING`, t.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", datatask.ErrDuplicateTask, t.ID)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (id, name, user_id, state, created_at, record) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.User, string(t.State), t.CreatedAt, string(raw))
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Save(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET name = $2, user_id = $3, state = $4, created_at = $5, record = $6 WHERE id = $1`,
		t.ID, t.Name, t.User, string(t.State), t.CreatedAt, string(raw))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, t.ID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*datatask.Task, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return datatask.DecodeTask(raw)
}

// List filters user and states in SQL; the name pattern is a Go regular
// expression and is applied after decoding.
func (r *Repository) List(ctx context.Context, f datatask.TaskFilter) ([]*datatask.Task, error) {
	match, err := f.Matcher()
	if err != nil {
		return nil, err
	}
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT record FROM tasks
		 WHERE ($1 = '' OR user_id = $1) AND (cardinality($2::text[]) = 0 OR state = ANY($2))
		 ORDER BY created_at, id`,
		f.User, states)
	if err != nil {
		return nil, err
	}
	tasks, err := collect(rows)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, id string) (*datatask.Task, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `DELETE FROM tasks WHERE id = $1 RETURNING record`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return datatask.DecodeTask(raw)
}

// ClearDone removes the terminal tasks in a single statement.
func (r *Repository) ClearDone(ctx context.Context) ([]*datatask.Task, error) {
	terminal := make([]string, len(datatask.TerminalStates))
	for i, s := range datatask.TerminalStates {
		terminal[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `DELETE FROM tasks WHERE state = ANY($1) RETURNING record`, terminal)
	if err != nil {
		return nil, err
	}
	tasks, err := collect(rows)
	if err != nil {
		return nil, err
	}
	datatask.SortTasks(tasks)
	return tasks, nil
}

func collect(rows pgx.Rows) ([]*datatask.Task, error) {
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	tasks := make([]*datatask.Task, 0, len(raws))
	for _, raw := range raws {
		t, err := datatask.DecodeTask(raw)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
