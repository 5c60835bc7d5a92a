// internal/models/round_action.go
package models

import "github.com/google/uuid"

// Round action types recorded for the historian.
const (
	ActionRoundBegin    = "round_begin"
	ActionCorrectAnswer = "correct_answer"
	ActionRoundEnd      = "round_end"
	ActionGameFinished  = "game_finished"
)

// RoundAction is one entry in the history of a round, queued in Redis and
// persisted by the historian.
type RoundAction struct {
	RoundID     uuid.UUID              `json:"round_id"`
	RoomKey     string                 `json:"room_key"`
	ActionIndex int                    `json:"action_index"`
	ActorKey    string                 `json:"actor_key"`
	ActionType  string                 `json:"action_type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   int64                  `json:"timestamp"` // epoch millis
}
