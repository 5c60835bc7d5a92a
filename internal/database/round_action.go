// internal/database/round_action.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/guess/internal/models"
)

// InsertRoundActions persists a batch of round actions in one transaction,
// creating round rows on first sight and closing rounds that ended.
func (p *Postgres) InsertRoundActions(ctx context.Context, batch []models.RoundAction) error {
	return pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batch {
			if err := insertRoundActionTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insert round action %s/%d: %w", rec.RoundID, rec.ActionIndex, err)
			}
		}
		return nil
	})
}

func insertRoundActionTx(ctx context.Context, tx pgx.Tx, rec models.RoundAction) error {
	upsertRoundQ := `
		INSERT INTO rounds (id, room_key, status, start_time)
		VALUES ($1, $2, 'in_progress', $3)
		ON CONFLICT (id) DO NOTHING
	`
	at := time.UnixMilli(rec.Timestamp)
	if _, err := tx.Exec(ctx, upsertRoundQ, rec.RoundID, rec.RoomKey, at); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	actionQ := `
		INSERT INTO round_actions (round_id, action_index, actor_key, action_type, action_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round_id, action_index) DO NOTHING
	`
	if _, err := tx.Exec(ctx, actionQ, rec.RoundID, rec.ActionIndex, rec.ActorKey, rec.ActionType, payload, at); err != nil {
		return err
	}

	if rec.ActionType == models.ActionRoundEnd || rec.ActionType == models.ActionGameFinished {
		finalizeQ := `
			UPDATE rounds
			SET status = 'completed', end_time = $2
			WHERE id = $1 AND status = 'in_progress'
		`
		if _, err := tx.Exec(ctx, finalizeQ, rec.RoundID, at); err != nil {
			return err
		}
	}
	return nil
}

// MarkRoundAbandoned closes a round that stopped producing actions.
func (p *Postgres) MarkRoundAbandoned(ctx context.Context, roundID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE rounds
			SET status = 'abandoned', end_time = NOW()
			WHERE id = $1 AND status = 'in_progress'
		`
		_, err := tx.Exec(ctx, q, roundID)
		return err
	})
}
