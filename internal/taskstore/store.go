// Package taskstore provides SQLite-backed persistence for tasks, watchlist
// items, products, store accounts, proxies and the append-only history tables.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newID() string {
	return uuid.NewString()
}

const taskColumns = `id, user_id, product_id, store_account_id, proxy_id, priority, quantity, max_price, status, retry_count, order_ref, price_paid, error_message, created_at, started_at, completed_at, updated_at`

// CreateTask inserts a new task. An empty ID is assigned; an empty status becomes queued.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	now := s.now()
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = domain.TaskQueued
	}
	if task.Quantity <= 0 {
		task.Quantity = 1
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.UserID, task.ProductID, task.StoreAccountID, nullString(task.ProxyID),
		int(task.Priority), task.Quantity, nullFloat(task.MaxPrice), string(task.Status),
		task.RetryCount, nullString(task.OrderRef), nullFloat(task.PricePaid), nullString(task.ErrorMessage),
		task.CreatedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	UserID string
	Status domain.TaskStatus
	Limit  int
}

// ListTasks returns tasks matching the given options, newest first
func (s *Store) ListTasks(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// UpdateTask loads a task, applies fn and writes it back inside one transaction.
// fn should change status through Task.Transition so terminal states are kept.
// When fn returns an error nothing is written.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(t *domain.Task) error) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return task, err
	}
	task.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = ?, order_ref = ?, price_paid = ?, error_message = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(task.Status), task.RetryCount, nullString(task.OrderRef), nullFloat(task.PricePaid),
		nullString(task.ErrorMessage), nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

// TransitionTask moves a task to status, enforcing monotonic transitions
func (s *Store) TransitionTask(ctx context.Context, id string, to domain.TaskStatus) (*domain.Task, error) {
	return s.UpdateTask(ctx, id, func(t *domain.Task) error {
		return t.Transition(to, s.now())
	})
}

// CountTasksByStatus returns the number of tasks per status
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var proxyID, orderRef, errMsg sql.NullString
	var maxPrice, pricePaid sql.NullFloat64
	var startedAt, completedAt sql.NullTime
	var status string
	var priority int

	err := row.Scan(&task.ID, &task.UserID, &task.ProductID, &task.StoreAccountID, &proxyID,
		&priority, &task.Quantity, &maxPrice, &status, &task.RetryCount, &orderRef, &pricePaid, &errMsg,
		&task.CreatedAt, &startedAt, &completedAt, &task.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	task.Status = domain.TaskStatus(status)
	task.Priority = domain.Priority(priority)
	task.ProxyID = proxyID.String
	task.OrderRef = orderRef.String
	task.ErrorMessage = errMsg.String
	task.MaxPrice = floatPtr(maxPrice)
	task.PricePaid = floatPtr(pricePaid)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	return &task, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
