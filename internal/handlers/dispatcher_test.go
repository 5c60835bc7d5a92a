// internal/handlers/dispatcher_test.go
package handlers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/guess/internal/database"
	"github.com/jason-s-yu/guess/internal/game"
	"github.com/jason-s-yu/guess/internal/messaging"
	"github.com/jason-s-yu/guess/internal/models"
	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/jason-s-yu/guess/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return messaging.ErrClosed
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// messages decodes everything received so far and clears the buffer.
func (f *fakeTransport) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	f.mu.Lock()
	frames := f.frames
	f.frames = nil
	f.mu.Unlock()

	out := make([]*protocol.Message, 0, len(frames))
	for _, data := range frames {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func ofType(msgs []*protocol.Message, typ protocol.Type) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetOrCreate(_ context.Context, key, name string) (*models.UserRecord, error) {
	args := m.Called(key, name)
	rec, _ := args.Get(0).(*models.UserRecord)
	return rec, args.Error(1)
}

func (m *mockUsers) AddScore(_ context.Context, key string, delta int64) (*models.UserRecord, error) {
	args := m.Called(key, delta)
	rec, _ := args.Get(0).(*models.UserRecord)
	return rec, args.Error(1)
}

type fixture struct {
	d        *Dispatcher
	registry *session.Registry
	rooms    *game.RoomStore
}

func newFixture(t *testing.T, users UserStore) *fixture {
	t.Helper()
	return newFixtureWithRound(t, users, time.Minute)
}

func newFixtureWithRound(t *testing.T, users UserStore, round time.Duration) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := session.NewRegistry(logger)
	messenger := messaging.New(registry, logger)
	rooms := game.NewRoomStore(game.RoomDeps{
		Notifier:  messenger,
		Questions: database.NewMemory("apple", "kite", "moon"),
		Config: game.RoundConfig{
			Duration:    round,
			ShrinkTo:    10 * time.Second,
			ShrinkGuard: time.Second,
			Draw:        game.DrawPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Logger: logger,
	})
	t.Cleanup(rooms.StopAll)

	d := NewDispatcher(registry, rooms, messenger, users, logger)
	return &fixture{d: d, registry: registry, rooms: rooms}
}

func (f *fixture) send(t *testing.T, c *Client, msg *protocol.Message) {
	t.Helper()
	require.NoError(t, f.d.Dispatch(context.Background(), c, msg))
}

// login connects key on a fresh transport and discards the login reply.
func (f *fixture) login(t *testing.T, key string) (*Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := NewClient(key, "test", tr)
	f.send(t, c, &protocol.Message{Type: protocol.TypeLogin, ID: 1, Key: key, Name: key})
	tr.messages(t)
	return c, tr
}

// startGame seats a at 0 and b at 1 in a's room and begins the game.
func (f *fixture) startGame(t *testing.T) (a, b *Client, ta, tb *fakeTransport, answer string) {
	t.Helper()
	a, ta = f.login(t, "a")
	b, tb = f.login(t, "b")
	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2, RoomName: "den"})
	f.send(t, b, &protocol.Message{Type: protocol.TypeJoinRoom, ID: 3, RoomKey: "a"})
	f.send(t, b, &protocol.Message{Type: protocol.TypeSeat, ID: 4, RoomKey: "a", Seat: 1})
	ta.messages(t)
	tb.messages(t)

	f.send(t, a, &protocol.Message{Type: protocol.TypeGameBegin, ID: 5, RoomKey: "a", Seat: 0})
	replies := ofType(ta.messages(t), protocol.TypeGameBegin)
	require.Len(t, replies, 1)
	require.Equal(t, protocol.CodeSuccess, replies[0].Code, replies[0].Error)
	return a, b, ta, tb, replies[0].Message
}

func TestMessagesBeforeLoginAreRejected(t *testing.T) {
	f := newFixture(t, nil)
	tr := &fakeTransport{}
	c := NewClient("a", "test", tr)

	f.send(t, c, &protocol.Message{Type: protocol.TypeChat, ID: 7, Message: "hi"})
	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CodeError, got[0].Code)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "not logged in", got[0].Error)
}

func TestLoginLoadsStoredScore(t *testing.T) {
	users := &mockUsers{}
	users.On("GetOrCreate", "a", "alice").Return(&models.UserRecord{Key: "a", Name: "alice", Score: 42}, nil).Once()
	f := newFixture(t, users)

	tr := &fakeTransport{}
	c := NewClient("a", "test", tr)
	f.send(t, c, &protocol.Message{Type: protocol.TypeLogin, ID: 9, Key: "a", Name: "<b>alice</b>"})

	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeLogin, got[0].Type)
	assert.Equal(t, protocol.CodeSuccess, got[0].Code)
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, "alice", got[0].Name)

	conn, err := f.registry.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), conn.Score())
	users.AssertExpectations(t)
}

func TestLoginSurvivesStoreFailure(t *testing.T) {
	users := &mockUsers{}
	users.On("GetOrCreate", "a", "a").Return(nil, errors.New("connection refused"))
	f := newFixture(t, users)

	tr := &fakeTransport{}
	f.send(t, NewClient("a", "test", tr), &protocol.Message{Type: protocol.TypeLogin, ID: 1, Key: "a"})
	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CodeSuccess, got[0].Code)
	assert.Equal(t, 1, f.registry.Len())
}

func TestLoginRejectsForeignKey(t *testing.T) {
	f := newFixture(t, nil)
	tr := &fakeTransport{}
	f.send(t, NewClient("a", "test", tr), &protocol.Message{Type: protocol.TypeLogin, ID: 1, Key: "b"})

	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CodeError, got[0].Code)
	assert.Zero(t, f.registry.Len())
}

func TestDuplicateLoginClosesNewSocket(t *testing.T) {
	f := newFixture(t, nil)
	_, first := f.login(t, "a")

	tr := &fakeTransport{}
	err := f.d.Dispatch(context.Background(), NewClient("a", "test", tr), &protocol.Message{Type: protocol.TypeLogin, ID: 2, Key: "a"})
	assert.ErrorIs(t, err, ErrDuplicateLogin)

	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CodeError, got[0].Code)

	conn, err := f.registry.Resolve("a")
	require.NoError(t, err)
	assert.True(t, conn.Owns(first), "the first socket stays attached")
}

func TestLobbyReceivesRoomList(t *testing.T) {
	f := newFixture(t, nil)
	_, lobby := f.login(t, "watcher")
	a, ta := f.login(t, "a")

	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2, RoomName: "den", Avatar: "cat.png"})

	entered := ofType(ta.messages(t), protocol.TypeEnteredRoom)
	require.Len(t, entered, 1)
	assert.Equal(t, "a", entered[0].RoomKey)
	assert.Equal(t, "den", entered[0].RoomName)
	require.Len(t, entered[0].Users, 1)
	assert.Equal(t, int32(0), entered[0].Users[0].Seat)

	lists := ofType(lobby.messages(t), protocol.TypeRoomList)
	require.Len(t, lists, 1)
	require.Len(t, lists[0].Rooms, 1)
	assert.Equal(t, "den", lists[0].Rooms[0].Name)
	assert.Equal(t, int32(1), lists[0].Rooms[0].Counts)
}

func TestCreateWhileInRoomFails(t *testing.T) {
	f := newFixture(t, nil)
	a, ta := f.login(t, "a")
	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2})
	ta.messages(t)

	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 3})
	got := ta.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, game.ErrAlreadyMember.Error(), got[0].Error)
}

func TestGameScenarioScoresAndPersists(t *testing.T) {
	users := &mockUsers{}
	users.On("GetOrCreate", mock.Anything, mock.Anything).Return(&models.UserRecord{}, nil)
	users.On("AddScore", "b", int64(2)).Return(&models.UserRecord{Key: "b", Score: 2}, nil).Once()
	f := newFixture(t, users)

	_, b, ta, tb, answer := f.startGame(t)
	require.NotEmpty(t, answer)

	begins := ofType(tb.messages(t), protocol.TypeGameBegin)
	require.Len(t, begins, 1)
	assert.Empty(t, begins[0].Message, "only the painter sees the answer")

	f.send(t, b, &protocol.Message{Type: protocol.TypeChat, ID: 10, RoomKey: "a", Message: answer})
	ack := ofType(tb.messages(t), protocol.TypeChat)
	require.Len(t, ack, 1)
	assert.Equal(t, protocol.CodeSuccess, ack[0].Code)

	updates := ofType(ta.messages(t), protocol.TypeUpdateUser)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	for _, u := range last.Users {
		if u.Name == "b" {
			assert.Equal(t, int32(2), u.Score)
		}
	}

	f.d.Wait()
	users.AssertExpectations(t)
	conn, err := f.registry.Resolve("b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), conn.Score())
}

func TestPaintFromNonPainterIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, b, ta, tb, _ := f.startGame(t)
	ta.messages(t)
	tb.messages(t)

	f.send(t, b, &protocol.Message{Type: protocol.TypePaint, ID: 11, RoomKey: "a", Seat: 1, Data: []byte{1}})
	got := tb.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, game.ErrUnauthorized.Error(), got[0].Error)
	assert.Empty(t, ofType(ta.messages(t), protocol.TypePaint))
}

func TestReconnectDuringGameReentersRoom(t *testing.T) {
	f := newFixture(t, nil)
	_, b, ta, tb, _ := f.startGame(t)
	ta.messages(t)

	f.d.Disconnect(b)
	assert.True(t, tb.isClosed())
	offline := ofType(ta.messages(t), protocol.TypeOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "b", offline[0].Name)
	assert.Equal(t, 1, len(f.rooms.Summaries()), "the room keeps its game")

	tr := &fakeTransport{}
	f.send(t, NewClient("b", "test", tr), &protocol.Message{Type: protocol.TypeLogin, ID: 20, Key: "b"})
	got := tr.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeEnteredRoom, got[0].Type)
	assert.Equal(t, int64(20), got[0].ID)
	assert.Equal(t, "a", got[0].RoomKey)
	assert.Len(t, got[0].Users, 2)

	assert.Len(t, ofType(ta.messages(t), protocol.TypeOnline), 1)
}

func TestDisconnectInLobbyDropsConnectionAndRoom(t *testing.T) {
	f := newFixture(t, nil)
	a, ta := f.login(t, "a")
	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2})
	ta.messages(t)

	f.d.Disconnect(a)
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.rooms.Len())
	assert.True(t, ta.isClosed())
}

func TestLeaveRoomReturnsToLobby(t *testing.T) {
	f := newFixture(t, nil)
	a, ta := f.login(t, "a")
	b, tb := f.login(t, "b")
	f.send(t, a, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2})
	f.send(t, b, &protocol.Message{Type: protocol.TypeJoinRoom, ID: 3, RoomKey: "a"})
	ta.messages(t)
	tb.messages(t)

	f.send(t, b, &protocol.Message{Type: protocol.TypeLeaveRoom, ID: 4})
	got := tb.messages(t)
	left := ofType(got, protocol.TypeLeavedRoom)
	require.Len(t, left, 1)
	assert.Equal(t, protocol.CodeSuccess, left[0].Code)
	assert.Len(t, ofType(got, protocol.TypeRoomList), 1, "back in the lobby")

	f.send(t, a, &protocol.Message{Type: protocol.TypeLeaveRoom, ID: 5, RoomKey: "a"})
	assert.Zero(t, f.rooms.Len())
	assert.Equal(t, 2, f.registry.Len())
}

func TestLeaveDuringGameMutesMember(t *testing.T) {
	f := newFixture(t, nil)
	a, b, ta, tb, answer := f.startGame(t)
	ta.messages(t)

	f.send(t, b, &protocol.Message{Type: protocol.TypeLeaveRoom, ID: 6, RoomKey: "a"})
	require.Len(t, ofType(tb.messages(t), protocol.TypeLeavedRoom), 1)
	assert.Len(t, ofType(ta.messages(t), protocol.TypeOffline), 1)

	f.send(t, a, &protocol.Message{Type: protocol.TypePaint, ID: 7, RoomKey: "a", Seat: 0, Data: []byte{1, 2}})
	f.send(t, a, &protocol.Message{Type: protocol.TypeChat, ID: 8, RoomKey: "a", Message: "look"})
	got := tb.messages(t)
	assert.Empty(t, ofType(got, protocol.TypePaint), "a member who left gets no strokes")
	assert.Empty(t, ofType(got, protocol.TypeChat))

	f.send(t, b, &protocol.Message{Type: protocol.TypeChat, ID: 9, RoomKey: "a", Message: answer})
	got = tb.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, game.ErrNotMember.Error(), got[0].Error)
	for _, m := range f.mustRoom(t, "a").Snapshot().Members {
		assert.Zero(t, m.Score, "nobody is credited")
	}
}

func TestLeftMemberStaysBoundUntilGameEnds(t *testing.T) {
	f := newFixture(t, nil)
	_, b, _, tb, _ := f.startGame(t)
	c, tc := f.login(t, "c")
	f.send(t, c, &protocol.Message{Type: protocol.TypeCreateRoom, ID: 2, RoomName: "other"})
	tc.messages(t)

	f.send(t, b, &protocol.Message{Type: protocol.TypeLeaveRoom, ID: 6, RoomKey: "a"})
	tb.messages(t)

	f.send(t, b, &protocol.Message{Type: protocol.TypeJoinRoom, ID: 7, RoomKey: "c"})
	got := tb.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, game.ErrAlreadyMember.Error(), got[0].Error)

	f.send(t, b, &protocol.Message{Type: protocol.TypeJoinRoom, ID: 8, RoomKey: "a"})
	entered := ofType(tb.messages(t), protocol.TypeEnteredRoom)
	require.Len(t, entered, 1)
	assert.Equal(t, protocol.CodeSuccess, entered[0].Code)
	assert.Len(t, entered[0].Users, 2)
}

func TestGameFinishDropsOfflineMembers(t *testing.T) {
	f := newFixtureWithRound(t, nil, 50*time.Millisecond)
	_, lobby := f.login(t, "watcher")
	a, b, _, _, _ := f.startGame(t)
	lobby.messages(t)

	f.d.Disconnect(a)
	f.d.Disconnect(b)
	assert.Equal(t, 3, f.registry.Len(), "seats are held while the game runs")

	var lists []*protocol.Message
	require.Eventually(t, func() bool {
		lists = append(lists, ofType(lobby.messages(t), protocol.TypeRoomList)...)
		return f.registry.Len() == 1 && f.rooms.Len() == 0 && len(lists) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, lists[len(lists)-1].Rooms, "the lobby sees the room gone")

	_, err := f.registry.Resolve("a")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = f.registry.Resolve("watcher")
	assert.NoError(t, err)
}

func (f *fixture) mustRoom(t *testing.T, key string) *game.Room {
	t.Helper()
	r, ok := f.rooms.Get(key)
	require.True(t, ok)
	return r
}

func TestUnknownTypeIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	a, ta := f.login(t, "a")
	f.send(t, a, &protocol.Message{Type: protocol.Type(99), ID: 3})
	assert.Empty(t, ta.messages(t))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "room is full", Reason(game.ErrRoomFull))
	assert.Equal(t, "no question available", Reason(errors.Join(game.ErrNoQuestion, errors.New("db"))))
	assert.Equal(t, "request timed out", Reason(context.DeadlineExceeded))
	assert.Equal(t, "internal error", Reason(errors.New("boom")))
}
