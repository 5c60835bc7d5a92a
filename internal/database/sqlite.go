// internal/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/guess/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements Backend on a single SQLite file. The questions table
// keeps the question.db layout, where the text column is called name.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; the pragmas apply per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLite{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	key     TEXT NOT NULL UNIQUE,
	name    TEXT NOT NULL,
	correct INTEGER NOT NULL DEFAULT 0,
	score   INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
`

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) GetOrCreate(ctx context.Context, key, name string) (*models.UserRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (key, name, created) VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		key, name, time.Now().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert user %s: %w", key, err)
	}
	u, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT key, name, correct, score, created FROM users WHERE key = ?`, key))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

func (s *SQLite) AddScore(ctx context.Context, key string, delta int64) (*models.UserRecord, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users SET score = score + ?, correct = correct + 1
		WHERE key = ?
		RETURNING key, name, correct, score, created`, delta, key))
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUser(row *sql.Row) (*models.UserRecord, error) {
	var (
		u       models.UserRecord
		created int64
	)
	err := row.Scan(&u.Key, &u.Name, &u.Correct, &u.Score, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(created)
	return &u, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (s *SQLite) GetByID(ctx context.Context, id int) (*models.Question, error) {
	q := models.Question{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM questions WHERE id = ?`, id).Scan(&q.ID, &q.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question %d: %w", id, err)
	}
	return &q, nil
}

func (s *SQLite) AddQuestions(ctx context.Context, texts ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range texts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO questions (name) VALUES (?)`, t); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	return tx.Commit()
}
