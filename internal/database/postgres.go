// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/guess/internal/models"
)

// Postgres implements Backend on a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// ConnectPostgres builds a pool for dsn and pings it.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	key        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	correct    BIGINT NOT NULL DEFAULT 0,
	score      BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS questions (
	id   SERIAL PRIMARY KEY,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rounds (
	id         UUID PRIMARY KEY,
	room_key   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'in_progress',
	start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	end_time   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS round_actions (
	round_id       UUID NOT NULL REFERENCES rounds(id),
	action_index   INT NOT NULL,
	actor_key      TEXT NOT NULL DEFAULT '',
	action_type    TEXT NOT NULL,
	action_payload JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (round_id, action_index)
);
`

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.Pool.Close()
}

// GetOrCreate returns the user for key, inserting it with name on first sight.
func (p *Postgres) GetOrCreate(ctx context.Context, key, name string) (*models.UserRecord, error) {
	var u models.UserRecord
	err := pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (key, name) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			key, name,
		); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`SELECT key, name, correct, score, created_at FROM users WHERE key = $1`, key,
		).Scan(&u.Key, &u.Name, &u.Correct, &u.Score, &u.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get or create user %s: %w", key, err)
	}
	return &u, nil
}

// AddScore credits delta points and one correct answer to key.
func (p *Postgres) AddScore(ctx context.Context, key string, delta int64) (*models.UserRecord, error) {
	var u models.UserRecord
	q := `
	UPDATE users
	SET score = score + $2, correct = correct + 1
	WHERE key = $1
	RETURNING key, name, correct, score, created_at
	`
	err := pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, key, delta).Scan(&u.Key, &u.Name, &u.Correct, &u.Score, &u.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add score for %s: %w", key, err)
	}
	return &u, nil
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (p *Postgres) GetByID(ctx context.Context, id int) (*models.Question, error) {
	q := models.Question{}
	err := p.Pool.QueryRow(ctx, `SELECT id, text FROM questions WHERE id = $1`, id).Scan(&q.ID, &q.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question %d: %w", id, err)
	}
	return &q, nil
}

// AddQuestions appends questions in one transaction.
func (p *Postgres) AddQuestions(ctx context.Context, texts ...string) error {
	return pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, t := range texts {
			if _, err := tx.Exec(ctx, `INSERT INTO questions (text) VALUES ($1)`, t); err != nil {
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return nil
	})
}
