package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/sellerstudio/api/internal/model"
)

// Persister saves and loads the full task snapshot
type Persister interface {
	Load(ctx context.Context) ([]model.Task, error)
	Save(ctx context.Context, tasks []model.Task) error
}

// RedisPersister keeps the snapshot as one JSON value
type RedisPersister struct {
	redis *redis.Client
	key   string
}

func NewRedisPersister(redisClient *redis.Client, key string) *RedisPersister {
	return &RedisPersister{redis: redisClient, key: key}
}

func (p *RedisPersister) Load(ctx context.Context) ([]model.Task, error) {
	data, err := p.redis.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task snapshot: %w", err)
	}

	var tasks []model.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
	}
	return tasks, nil
}

func (p *RedisPersister) Save(ctx context.Context, tasks []model.Task) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to encode task snapshot: %w", err)
	}
	if err := p.redis.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save task snapshot: %w", err)
	}
	return nil
}

// SQLitePersister keeps the snapshot in a local SQLite file
type SQLitePersister struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tasks (
    position INTEGER NOT NULL,
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL
)`

// OpenSQLite opens (or creates) the snapshot database at path
func OpenSQLite(path string) (*SQLitePersister, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Load(ctx context.Context) ([]model.Task, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM tasks ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task model.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (p *SQLitePersister) Save(ctx context.Context, tasks []model.Task) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for i, task := range tasks {
		data, mErr := json.Marshal(task)
		if mErr != nil {
			err = fmt.Errorf("encode task %s: %w", task.ID, mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (position, id, data) VALUES (?, ?, ?)`,
			i, task.ID, string(data),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (p *SQLitePersister) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
