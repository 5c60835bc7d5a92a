// internal/game/room_store_test.go
package game

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore() *RoomStore {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRoomStore(RoomDeps{
		Notifier:  &mockNotifier{},
		Questions: &stubBank{n: 3},
		Config:    testConfig(time.Minute),
		Logger:    logger,
	})
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("a", "room a", "", Member{Key: "a", Seat: 0})
	require.NoError(t, err)

	_, err = s.Create("a", "again", "", Member{Key: "a", Seat: 0})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = s.Create("b", "bad seat", "", Member{Key: "b", Seat: 42})
	assert.ErrorIs(t, err, ErrSeatInvalid)
	assert.Equal(t, 1, s.Len())
}

func TestSummariesInCreationOrder(t *testing.T) {
	s := newTestStore()
	for _, k := range []string{"c", "a", "b"} {
		_, err := s.Create(k, "room "+k, "", Member{Key: k, Seat: NoSeat})
		require.NoError(t, err)
	}
	r, _ := s.Get("a")
	_, err := r.Join(Member{Key: "x", Seat: NoSeat})
	require.NoError(t, err)

	sums := s.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, "room c", sums[0].Name)
	assert.Equal(t, "room a", sums[1].Name)
	assert.Equal(t, int32(2), sums[1].Counts)
	assert.Equal(t, "b", sums[2].Key)
}

func TestRemoveIfEmptyClosesRoom(t *testing.T) {
	s := newTestStore()
	r, err := s.Create("a", "a", "", Member{Key: "a", Seat: 0})
	require.NoError(t, err)

	assert.False(t, s.RemoveIfEmpty("a"), "room still has its owner")

	res, err := r.Leave("a")
	require.NoError(t, err)
	require.True(t, res.Empty)
	assert.True(t, s.RemoveIfEmpty("a"))
	assert.False(t, s.RemoveIfEmpty("a"))

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, err = r.Join(Member{Key: "late", Seat: NoSeat})
	assert.ErrorIs(t, err, ErrNotFound, "a removed room cannot be revived")
}

func TestFindRoomOf(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("a", "a", "", Member{Key: "a", Seat: 0})
	require.NoError(t, err)
	b, err := s.Create("b", "b", "", Member{Key: "b", Seat: 0})
	require.NoError(t, err)
	_, err = b.Join(Member{Key: "x", Seat: 1})
	require.NoError(t, err)

	assert.Same(t, b, s.FindRoomOf("x"))
	assert.Nil(t, s.FindRoomOf("nobody"))
}

func TestCountHookTracksRooms(t *testing.T) {
	s := newTestStore()
	var counts []int
	s.OnCountChange = func(n int) { counts = append(counts, n) }

	r, _ := s.Create("a", "a", "", Member{Key: "a", Seat: 0})
	r.Leave("a")
	s.RemoveIfEmpty("a")
	assert.Equal(t, []int{1, 0}, counts)
}

// TestMembershipProperty drives random join/leave sequences through the
// store and checks capacity and removal of empty rooms.
func TestMembershipProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := newTestStore()
		inRoom := map[string]string{} // member key -> room key

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := fmt.Sprintf("u%d", rapid.IntRange(0, 12).Draw(t, "user"))
			roomKey := fmt.Sprintf("u%d", rapid.IntRange(0, 3).Draw(t, "room"))

			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // create
				if _, busy := inRoom[user]; busy {
					continue
				}
				if _, err := s.Create(user, user, "", Member{Key: user, Seat: NoSeat}); err == nil {
					inRoom[user] = user
				}
			case 1: // join
				if _, busy := inRoom[user]; busy {
					continue
				}
				r, ok := s.Get(roomKey)
				if !ok {
					continue
				}
				if _, err := r.Join(Member{Key: user, Seat: NoSeat}); err == nil {
					inRoom[user] = roomKey
				}
			case 2: // leave
				rk, busy := inRoom[user]
				if !busy {
					continue
				}
				r, ok := s.Get(rk)
				if !ok {
					t.Fatalf("member %s lost its room %s", user, rk)
				}
				res, err := r.Leave(user)
				if err != nil {
					t.Fatalf("leave: %v", err)
				}
				delete(inRoom, user)
				if res.Empty && !s.RemoveIfEmpty(rk) {
					t.Fatalf("empty room %s not removed", rk)
				}
			}

			for _, sum := range s.Summaries() {
				if sum.Counts > Capacity || sum.Counts <= 0 {
					t.Fatalf("room %s has %d members", sum.Key, sum.Counts)
				}
			}
		}
	})
}

// TestRotationProperty checks that the painter advance visits occupied seats
// in increasing order exactly once.
func TestRotationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seats := rapid.SliceOfNDistinct(rapid.Int32Range(0, Capacity-1), 1, Capacity, func(s int32) int32 { return s }).Draw(t, "seats")

		r := newRoom("k", "k", "", RoomDeps{Notifier: &mockNotifier{}, Logger: discardLogger()})
		occupied := map[int32]bool{}
		for i, s := range seats {
			r.members = append(r.members, &Member{Key: fmt.Sprintf("m%d", i), Seat: s})
			occupied[s] = true
		}
		r.recomputePainterUnsafe()

		var visited []int32
		for seat := r.currentPaintSeat; seat < Capacity; seat = r.nextSeatUnsafe(seat) {
			visited = append(visited, seat)
		}

		if len(visited) != len(seats) {
			t.Fatalf("visited %v, seats %v", visited, seats)
		}
		for i, s := range visited {
			if !occupied[s] {
				t.Fatalf("visited empty seat %d", s)
			}
			if i > 0 && s <= visited[i-1] {
				t.Fatalf("rotation not increasing: %v", visited)
			}
		}
	})
}

func TestRotationExample(t *testing.T) {
	r := newRoom("k", "k", "", RoomDeps{Notifier: &mockNotifier{}, Logger: discardLogger()})
	for i, s := range []int32{5, 0, 2} {
		r.members = append(r.members, &Member{Key: fmt.Sprintf("m%d", i), Seat: s})
	}
	r.recomputePainterUnsafe()

	var visited []int32
	for seat := r.currentPaintSeat; seat < Capacity; seat = r.nextSeatUnsafe(seat) {
		visited = append(visited, seat)
	}
	assert.Equal(t, []int32{0, 2, 5}, visited)
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
