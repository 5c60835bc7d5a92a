// internal/models/user.go
package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a user or question does not exist.
var ErrNotFound = errors.New("not found")

// UserRecord is the persisted identity of a player, keyed by the opaque key
// the client presents on connect.
type UserRecord struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Correct   int64     `json:"correct"` // number of correct answers
	Score     int64     `json:"score"`   // lifetime score
	CreatedAt time.Time `json:"created_at"`
}
