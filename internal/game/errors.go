// internal/game/errors.go
package game

import "errors"

var (
	ErrNotFound       = errors.New("room not found")
	ErrRoomExists     = errors.New("room already exists")
	ErrRoomFull       = errors.New("room is full")
	ErrNotMember      = errors.New("not a member of this room")
	ErrAlreadyMember  = errors.New("already in a room")
	ErrSeatInvalid    = errors.New("invalid seat")
	ErrSeatTaken      = errors.New("seat is taken")
	ErrUnauthorized   = errors.New("not the current painter")
	ErrNotReady       = errors.New("at least two seated players are required")
	ErrGameInProgress = errors.New("game already in progress")
	ErrStarting       = errors.New("game is starting")
	ErrNoQuestion     = errors.New("no question available")
)
