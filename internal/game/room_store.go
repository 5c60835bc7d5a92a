// internal/game/room_store.go
package game

import (
	"sync"

	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/sirupsen/logrus"
)

// RoomStore manages the open rooms in memory.
// Lock order is store before room; room code never calls back into the store.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
	order []string // creation order, for stable listings

	deps RoomDeps

	// OnCountChange, if set, is called with the number of open rooms after a
	// room is created or removed. It runs with the store lock held.
	OnCountChange func(n int)
}

// NewRoomStore initializes an empty store whose rooms share deps.
func NewRoomStore(deps RoomDeps) *RoomStore {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &RoomStore{
		rooms: make(map[string]*Room),
		deps:  deps,
	}
}

// SetOnFinish installs the hook run after a room's game finishes on its timer.
// It only affects rooms created afterwards.
func (s *RoomStore) SetOnFinish(fn func(r *Room, purged []string)) {
	s.mu.Lock()
	s.deps.OnFinish = fn
	s.mu.Unlock()
}

// Create opens a room keyed by its creator and seats owner in it atomically.
func (s *RoomStore) Create(key, name, avatar string, owner Member) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[key]; exists {
		return nil, ErrRoomExists
	}

	r := newRoom(key, name, avatar, s.deps)
	if err := r.checkSeatUnsafe(owner.Seat, ""); err != nil {
		return nil, err
	}
	owner.Score, owner.Offline = 0, false
	r.members = []*Member{&owner}
	r.recomputePainterUnsafe()

	s.rooms[key] = r
	s.order = append(s.order, key)
	s.countChangedLocked()
	s.deps.Logger.WithFields(logrus.Fields{"room": key, "name": name}).Info("room created")
	return r, nil
}

// Get looks up a room by key.
func (s *RoomStore) Get(key string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[key]
	return r, ok
}

// RemoveIfEmpty deletes the room if it has no members. A removed room is
// closed, so a join racing the removal fails instead of reviving it.
func (s *RoomStore) RemoveIfEmpty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[key]
	if !ok {
		return false
	}

	r.mu.Lock()
	empty := len(r.members) == 0
	if empty {
		r.closed = true
		r.timer.Stop()
	}
	r.mu.Unlock()
	if !empty {
		return false
	}

	delete(s.rooms, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.countChangedLocked()
	s.deps.Logger.WithField("room", key).Info("room removed")
	return true
}

// Summaries lists the open rooms in creation order.
func (s *RoomStore) Summaries() []protocol.RoomSummary {
	rooms := s.snapshot()
	out := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Summary())
	}
	return out
}

// FindRoomOf returns the room that has connKey as a member, or nil. Each room
// is inspected under its own lock, so membership is never seen half-updated.
func (s *RoomStore) FindRoomOf(connKey string) *Room {
	for _, r := range s.snapshot() {
		if r.HasMember(connKey) {
			return r
		}
	}
	return nil
}

// Len returns the number of open rooms.
func (s *RoomStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// StopAll disposes every round timer. Used on shutdown.
func (s *RoomStore) StopAll() {
	for _, r := range s.snapshot() {
		r.Stop()
	}
}

func (s *RoomStore) snapshot() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.rooms[k])
	}
	return out
}

func (s *RoomStore) countChangedLocked() {
	if s.OnCountChange != nil {
		s.OnCountChange(len(s.rooms))
	}
}
