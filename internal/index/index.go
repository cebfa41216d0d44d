// Package index provides an embedded SQLite query cache over the task board.
//
// tasks.json stays the source of truth. The index is rebuilt from it at
// startup and kept current by the file watcher, so stats and filtered
// searches never have to scan and decode the whole file on every request.
//
// Each row keeps the task's full JSON in body; the other columns exist
// only to be filtered on.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/openclaw/polyboard/internal/board/schema"
)

// MemoryPath opens a private in-memory index.
const MemoryPath = ":memory:"

// DB wraps the sqlite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the index at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if path == "" {
		path = MemoryPath
	}

	var connStr string
	if path == MemoryPath {
		connStr = MemoryPath
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	if path == MemoryPath {
		// every connection would get its own empty database
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{conn: conn, path: path}

	if path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the index location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		priority TEXT,
		assigned_to TEXT,
		created_by TEXT,
		tags TEXT,  -- JSON array
		created_at TEXT,
		updated_at TEXT,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_pipeline ON tasks(pipeline);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_tasks_position ON tasks(position);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Replace swaps the entire index for the given board in one transaction.
func (db *DB) Replace(ctx context.Context, file schema.TasksFile) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	for i := range file.Tasks {
		if err := upsert(ctx, tx, &file.Tasks[i], i); err != nil {
			return err
		}
	}
	if err := setVersion(ctx, tx, file.UpdatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Positioned is a task with its index in the board's task list.
type Positioned struct {
	Task     schema.Task
	Position int
}

// Batch is an incremental update produced by diffing two boards.
type Batch struct {
	Upserts []Positioned
	Deletes []string

	// Version is the board token after the change
	Version string
}

// Apply writes an incremental update in one transaction. Deleting a
// missing task is not an error.
func (db *DB) Apply(ctx context.Context, batch Batch) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
	}
	for i := range batch.Upserts {
		if err := upsert(ctx, tx, &batch.Upserts[i].Task, batch.Upserts[i].Position); err != nil {
			return err
		}
	}
	if batch.Version != "" {
		if err := setVersion(ctx, tx, batch.Version); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetVersion records the board token the index reflects.
func (db *DB) SetVersion(ctx context.Context, token string) error {
	return setVersion(ctx, db.conn, token)
}

// Version returns the board token the index reflects, or the sentinel.
func (db *DB) Version(ctx context.Context) (string, error) {
	var token string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'updated_at'`).Scan(&token)
	if err == sql.ErrNoRows {
		return schema.SentinelUpdatedAt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read index version: %w", err)
	}
	return token, nil
}

func upsert(ctx context.Context, ex execer, task *schema.Task, position int) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	t := task.Clone()
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO tasks (
		id, position, title, description, status, pipeline, priority,
		assigned_to, created_by, tags, created_at, updated_at, body
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		position = excluded.position,
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		pipeline = excluded.pipeline,
		priority = excluded.priority,
		assigned_to = excluded.assigned_to,
		created_by = excluded.created_by,
		tags = excluded.tags,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		body = excluded.body
	`
	_, err = ex.ExecContext(ctx, query,
		t.ID,
		position,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Pipeline),
		string(t.Priority),
		t.AssignedTo,
		t.CreatedBy,
		string(tags),
		t.CreatedAt,
		t.UpdatedAt,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

func setVersion(ctx context.Context, ex execer, token string) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES ('updated_at', ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, token)
	if err != nil {
		return fmt.Errorf("failed to record index version: %w", err)
	}
	return nil
}

// Stats summarizes the board.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPipeline map[string]int `json:"byPipeline"`
	Unassigned int            `json:"unassigned"`
	UpdatedAt  string         `json:"updatedAt"`
}

// Stats counts tasks by status and pipeline. Every known status and
// pipeline is present, zero when empty.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByStatus:   make(map[string]int, len(schema.Statuses)),
		ByPipeline: make(map[string]int, len(schema.Pipelines)),
	}
	for _, s := range schema.Statuses {
		stats.ByStatus[string(s)] = 0
	}
	for _, p := range schema.Pipelines {
		stats.ByPipeline[string(p)] = 0
	}

	if err := db.countInto(ctx, "status", stats.ByStatus); err != nil {
		return Stats{}, err
	}
	if err := db.countInto(ctx, "pipeline", stats.ByPipeline); err != nil {
		return Stats{}, err
	}

	err := db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(SUM(CASE WHEN assigned_to IS NULL OR assigned_to = '' THEN 1 ELSE 0 END), 0)
	FROM tasks`).Scan(&stats.Total, &stats.Unassigned)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tasks: %w", err)
	}

	stats.UpdatedAt, err = db.Version(ctx)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// countInto groups by a fixed column name; column is never user input.
func (db *DB) countInto(ctx context.Context, column string, into map[string]int) error {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return nil
}

// SearchFilter configures Search. Empty fields match everything.
type SearchFilter struct {
	Status     string
	Pipeline   string
	AssignedTo string
	Tag        string

	// Query matches title or description, case-insensitively
	Query string

	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results
	Offset int
}

// Search returns matching tasks in board order.
func (db *DB) Search(ctx context.Context, filter SearchFilter) ([]schema.Task, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "t.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Pipeline != "" {
		conditions = append(conditions, "t.pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, "t.assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(t.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		conditions = append(conditions, `(t.title LIKE ? ESCAPE '\' OR t.description LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(q) + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT t.body FROM tasks t`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.position ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Count returns the number of indexed tasks.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

func scanTasks(rows *sql.Rows) ([]schema.Task, error) {
	tasks := []schema.Task{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var task schema.Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return nil, fmt.Errorf("failed to decode indexed task: %w", err)
		}
		task.SetDefaults()
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
