package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronhook/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidTask = errors.New("invalid task")
	ErrInvalidLog  = errors.New("invalid task log")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  schedule TEXT NOT NULL,
  webhook_url TEXT NOT NULL,
  payload TEXT,
  max_retry INTEGER NOT NULL DEFAULT 3,
  status TEXT NOT NULL CHECK(status IN ('active','inactive','deleted')) DEFAULT 'active',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS task_logs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  execution_time DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  retry_count INTEGER NOT NULL DEFAULT 0,
  message TEXT,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, execution_time);
`
	_, err := db.Exec(schema)
	return err
}

type TaskFilter struct {
	Status domain.TaskStatus
	Search string // substring match on name
	Skip   int
	Limit  int
}

type LogFilter struct {
	TaskID string
	Status domain.LogStatus
	Skip   int
	Limit  int
}

type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, int, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Operations used by the scheduling core.
	ListActiveTasks(ctx context.Context) ([]domain.Task, error)
	SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	AppendTaskLog(ctx context.Context, l domain.TaskLog) (string, error)

	UpdateTaskLog(ctx context.Context, l domain.TaskLog) (domain.TaskLog, error)
	GetTaskLog(ctx context.Context, id string) (domain.TaskLog, error)
	ListTaskLogs(ctx context.Context, f LogFilter) ([]domain.TaskLog, int, error)
	DeleteTaskLog(ctx context.Context, id string) error
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository {
	return &sqliteRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ValidateTask checks the fields the store relies on. Cron syntax is checked by
// the caller since the store does not interpret schedules.
func ValidateTask(t domain.Task) error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	case strings.TrimSpace(t.Schedule) == "":
		return fmt.Errorf("%w: schedule is required", ErrInvalidTask)
	case strings.TrimSpace(t.WebhookURL) == "":
		return fmt.Errorf("%w: webhook_url is required", ErrInvalidTask)
	case t.MaxRetry <= 0:
		return fmt.Errorf("%w: max_retry must be positive", ErrInvalidTask)
	case !t.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	return nil
}

func ValidateTaskLog(l domain.TaskLog) error {
	switch {
	case strings.TrimSpace(l.TaskID) == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidLog)
	case !l.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidLog, l.Status)
	case l.RetryCount < 0:
		return fmt.Errorf("%w: retry_count must not be negative", ErrInvalidLog)
	}
	return nil
}

const taskColumns = `id,name,schedule,webhook_url,payload,max_retry,status,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var payload sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.Schedule, &t.WebhookURL, &payload, &t.MaxRetry, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if payload.Valid && payload.String != "" {
		t.Payload = json.RawMessage(payload.String)
	}
	return t, nil
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 || string(p) == "null" {
		return nil
	}
	return string(p)
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.MaxRetry == 0 {
		t.MaxRetry = domain.DefaultMaxRetry
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	if err := ValidateTask(t); err != nil {
		return domain.Task{}, err
	}
	now := r.now()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
`, t.ID, t.Name, t.Schedule, t.WebhookURL, payloadArg(t.Payload), t.MaxRetry, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, "instr(name, ?) > 0")
		args = append(args, f.Search)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+cond+` ORDER BY created_at LIMIT ? OFFSET ?`,
		append(args, limitArg(f.Limit), f.Skip)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := ValidateTask(t); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET name=?,schedule=?,webhook_url=?,payload=?,max_retry=?,status=?,updated_at=?
WHERE id=?`, t.Name, t.Schedule, t.WebhookURL, payloadArg(t.Payload), t.MaxRetry, t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := expectOne(res); err != nil {
		return domain.Task{}, err
	}
	return r.GetTask(ctx, t.ID)
}

// DeleteTask removes the task and its logs in one transaction.
func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err = expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) ListActiveTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at`, domain.TaskActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, r.now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteRepo) AppendTaskLog(ctx context.Context, l domain.TaskLog) (string, error) {
	id := l.ID
	if id == "" {
		id = "log_" + uuid.NewString()
	}
	if l.ExecutionTime.IsZero() {
		l.ExecutionTime = r.now()
	}
	if err := ValidateTaskLog(l); err != nil {
		return "", err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_logs (id,task_id,execution_time,status,retry_count,message,created_at)
VALUES (?,?,?,?,?,?,?)
`, id, l.TaskID, l.ExecutionTime.UTC(), l.Status, l.RetryCount, l.Message, r.now())
	if err != nil {
		return "", err
	}
	return id, nil
}

const logColumns = `id,task_id,execution_time,status,retry_count,message,created_at`

func scanLog(row scanner) (domain.TaskLog, error) {
	var l domain.TaskLog
	var msg sql.NullString
	if err := row.Scan(&l.ID, &l.TaskID, &l.ExecutionTime, &l.Status, &l.RetryCount, &msg, &l.CreatedAt); err != nil {
		return domain.TaskLog{}, err
	}
	l.Message = msg.String
	return l, nil
}

func (r *sqliteRepo) GetTaskLog(ctx context.Context, id string) (domain.TaskLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM task_logs WHERE id=?`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskLog{}, ErrNotFound
	}
	return l, err
}

func (r *sqliteRepo) ListTaskLogs(ctx context.Context, f LogFilter) ([]domain.TaskLog, int, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+logColumns+` FROM task_logs`+cond+` ORDER BY execution_time, retry_count LIMIT ? OFFSET ?`,
		append(args, limitArg(f.Limit), f.Skip)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []domain.TaskLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// UpdateTaskLog overwrites every mutable column of the log row with l.ID.
func (r *sqliteRepo) UpdateTaskLog(ctx context.Context, l domain.TaskLog) (domain.TaskLog, error) {
	if err := ValidateTaskLog(l); err != nil {
		return domain.TaskLog{}, err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE task_logs SET task_id=?, execution_time=?, status=?, retry_count=?, message=?
WHERE id=?
`, l.TaskID, l.ExecutionTime.UTC(), l.Status, l.RetryCount, l.Message, l.ID)
	if err != nil {
		return domain.TaskLog{}, err
	}
	if err := expectOne(res); err != nil {
		return domain.TaskLog{}, err
	}
	return r.GetTaskLog(ctx, l.ID)
}

func (r *sqliteRepo) DeleteTaskLog(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_logs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MaxListLimit caps page sizes for list queries.
const MaxListLimit = 1000

func limitArg(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
