// internal/handlers/dispatcher.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/guess/internal/game"
	"github.com/jason-s-yu/guess/internal/messaging"
	"github.com/jason-s-yu/guess/internal/metrics"
	"github.com/jason-s-yu/guess/internal/models"
	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/jason-s-yu/guess/internal/session"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDuplicateLogin closes a socket whose key is already online elsewhere.
	ErrDuplicateLogin = errors.New("key already online")
	errNotLoggedIn    = errors.New("not logged in")
	errKeyMismatch    = errors.New("key does not match the connection")
)

// UserStore persists lifetime scores.
type UserStore interface {
	GetOrCreate(ctx context.Context, key, name string) (*models.UserRecord, error)
	AddScore(ctx context.Context, key string, delta int64) (*models.UserRecord, error)
}

// Client is one accepted socket. Its fields are only touched by the
// socket's read goroutine.
type Client struct {
	Key       string
	Remote    string
	transport session.Transport
	loggedIn  bool
}

func NewClient(key, remote string, t session.Transport) *Client {
	return &Client{Key: key, Remote: remote, transport: t}
}

// LoggedIn reports whether the client completed a login on this socket.
func (c *Client) LoggedIn() bool { return c.loggedIn }

// Dispatcher routes decoded messages to the registries and rooms.
type Dispatcher struct {
	registry  *session.Registry
	rooms     *game.RoomStore
	messenger *messaging.Messenger
	users     UserStore
	logger    *logrus.Logger

	// StoreTimeout bounds every UserStore call.
	StoreTimeout time.Duration

	pending sync.WaitGroup
}

// NewDispatcher wires the dispatcher into the messenger's offline hook and
// the store's game-finished hook.
func NewDispatcher(registry *session.Registry, rooms *game.RoomStore, messenger *messaging.Messenger, users UserStore, logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		rooms:        rooms,
		messenger:    messenger,
		users:        users,
		logger:       logger,
		StoreTimeout: 3 * time.Second,
	}
	messenger.OnOffline(d.HandleOffline)
	rooms.SetOnFinish(d.onGameFinished)
	return d
}

// Dispatch handles one message from c. A non-nil error means the socket
// must be closed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg *protocol.Message) error {
	metrics.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()

	if msg.Type == protocol.TypeLogin {
		return d.handleLogin(ctx, c, msg)
	}
	if !c.loggedIn {
		d.reply(c, protocol.Reject(msg, errNotLoggedIn.Error()))
		return nil
	}
	conn, err := d.registry.Resolve(c.Key)
	if err != nil || !conn.Owns(c.transport) {
		d.reply(c, protocol.Reject(msg, errNotLoggedIn.Error()))
		return nil
	}

	switch msg.Type {
	case protocol.TypeChat:
		err = d.handleChat(c, msg)
	case protocol.TypeCreateRoom:
		err = d.handleCreateRoom(c, conn, msg)
	case protocol.TypeJoinRoom:
		err = d.handleJoinRoom(c, conn, msg)
	case protocol.TypeLeaveRoom:
		err = d.handleLeaveRoom(c, conn, msg)
	case protocol.TypeSeat:
		err = d.handleSeat(c, msg)
	case protocol.TypeGameBegin:
		err = d.handleGameBegin(ctx, c, msg)
	case protocol.TypePaint:
		err = d.handlePaint(c, msg)
	default:
		d.logger.WithFields(logrus.Fields{"key": c.Key, "type": msg.Type}).Warn("dropping message of unexpected type")
		return nil
	}

	if err != nil {
		d.logger.WithFields(logrus.Fields{"key": c.Key, "type": msg.Type, "error": err}).Debug("request rejected")
		d.reply(c, protocol.Reject(msg, Reason(err)))
	}
	return nil
}

func (d *Dispatcher) handleLogin(ctx context.Context, c *Client, msg *protocol.Message) error {
	if c.loggedIn {
		d.reply(c, protocol.Ack(msg))
		return nil
	}
	if msg.Key != "" && msg.Key != c.Key {
		d.reply(c, protocol.Reject(msg, errKeyMismatch.Error()))
		return nil
	}
	name := game.StripMarkup(msg.Name)
	if name == "" {
		name = c.Key
	}
	log := d.logger.WithFields(logrus.Fields{"key": c.Key, "remote": c.Remote})

	conn, result := d.registry.Login(c.Key, name, msg.Avatar, c.transport)
	if result == session.LoginDuplicate {
		log.Warn("rejecting duplicate login")
		d.reply(c, protocol.Reject(msg, ErrDuplicateLogin.Error()))
		return ErrDuplicateLogin
	}
	c.loggedIn = true
	log.WithField("result", result).Info("user logged in")

	if result == session.LoginNew {
		d.loadUser(ctx, conn, name)
	}

	if result == session.LoginReconnect {
		if room := d.rooms.FindRoomOf(c.Key); room != nil {
			users, ok := room.Reconnect(c.Key)
			if !ok {
				users = room.Members()
			}
			conn.SetInRoom(true)
			reply := protocol.Ack(msg)
			reply.Type = protocol.TypeEnteredRoom
			reply.Key = c.Key
			reply.RoomKey, reply.RoomName = room.Key, room.Name
			reply.Users = users
			d.reply(c, reply)
			return nil
		}
	}

	reply := protocol.Ack(msg)
	reply.Key = c.Key
	reply.Name = conn.Name()
	reply.Rooms = d.rooms.Summaries()
	d.reply(c, reply)
	return nil
}

// loadUser fetches or creates the persisted record and caches its score.
// A store failure leaves the session running with a zero score.
func (d *Dispatcher) loadUser(ctx context.Context, conn *session.Connection, name string) {
	if d.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.StoreTimeout)
	defer cancel()
	rec, err := d.users.GetOrCreate(ctx, conn.Key, name)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"key": conn.Key, "error": err}).Error("failed to load user record")
		return
	}
	conn.SetScore(rec.Score)
}

func (d *Dispatcher) handleChat(c *Client, msg *protocol.Message) error {
	room, err := d.roomFor(c.Key, msg.RoomKey)
	if err != nil {
		return err
	}
	res, err := room.Chat(c.Key, msg.Message)
	if err != nil {
		return err
	}
	if res.Points > 0 {
		d.addScore(c.Key, int64(res.Points))
	}
	d.reply(c, protocol.Ack(msg))
	return nil
}

// addScore persists a score delta in the background. Failures are logged.
func (d *Dispatcher) addScore(key string, delta int64) {
	if d.users == nil {
		return
	}
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.StoreTimeout)
		defer cancel()
		rec, err := d.users.AddScore(ctx, key, delta)
		if err != nil {
			d.logger.WithFields(logrus.Fields{"key": key, "delta": delta, "error": err}).Error("failed to persist score")
			return
		}
		if conn, err := d.registry.Resolve(key); err == nil {
			conn.SetScore(rec.Score)
		}
	}()
}

func (d *Dispatcher) handleCreateRoom(c *Client, conn *session.Connection, msg *protocol.Message) error {
	if d.rooms.FindRoomOf(c.Key) != nil {
		return game.ErrAlreadyMember
	}
	name := game.StripMarkup(msg.RoomName)
	if name == "" {
		name = fmt.Sprintf("%s's room", conn.Name())
	}
	owner := game.Member{Key: c.Key, Name: conn.Name(), Avatar: conn.Avatar(), Seat: 0}
	room, err := d.rooms.Create(c.Key, name, msg.Avatar, owner)
	if err != nil {
		return err
	}
	conn.SetInRoom(true)
	d.enteredRoom(c, msg, room, room.Members())
	d.broadcastRooms()
	return nil
}

func (d *Dispatcher) handleJoinRoom(c *Client, conn *session.Connection, msg *protocol.Message) error {
	room, ok := d.rooms.Get(msg.RoomKey)
	if !ok {
		return game.ErrNotFound
	}
	if current := d.rooms.FindRoomOf(c.Key); current != nil {
		if current != room {
			return game.ErrAlreadyMember
		}
		// Back into a running game this member left.
		users, ok := room.Reconnect(c.Key)
		if !ok {
			return game.ErrAlreadyMember
		}
		conn.SetInRoom(true)
		d.enteredRoom(c, msg, room, users)
		return nil
	}

	users, err := room.Join(game.Member{Key: c.Key, Name: conn.Name(), Avatar: conn.Avatar(), Seat: game.NoSeat})
	if err != nil {
		return err
	}
	conn.SetInRoom(true)
	d.enteredRoom(c, msg, room, users)
	d.broadcastRooms()
	return nil
}

func (d *Dispatcher) enteredRoom(c *Client, msg *protocol.Message, room *game.Room, users []protocol.MemberSummary) {
	reply := protocol.Ack(msg)
	reply.Type = protocol.TypeEnteredRoom
	reply.RoomKey, reply.RoomName, reply.Avatar = room.Key, room.Name, room.Avatar
	reply.Users = users
	d.reply(c, reply)
}

func (d *Dispatcher) handleLeaveRoom(c *Client, conn *session.Connection, msg *protocol.Message) error {
	room, err := d.roomFor(c.Key, msg.RoomKey)
	if err != nil {
		return err
	}
	res, err := room.Leave(c.Key)
	if err != nil {
		return err
	}
	conn.SetInRoom(false)
	if res.Empty {
		d.rooms.RemoveIfEmpty(room.Key)
	}

	reply := protocol.Ack(msg)
	reply.Type = protocol.TypeLeavedRoom
	reply.RoomKey = room.Key
	d.reply(c, reply)
	d.broadcastRooms()
	return nil
}

func (d *Dispatcher) handleSeat(c *Client, msg *protocol.Message) error {
	room, err := d.roomFor(c.Key, msg.RoomKey)
	if err != nil {
		return err
	}
	users, err := room.TakeSeat(c.Key, msg.Seat)
	if err != nil {
		return err
	}
	reply := protocol.Ack(msg)
	reply.RoomKey, reply.Seat, reply.Users = room.Key, msg.Seat, users
	d.reply(c, reply)
	return nil
}

func (d *Dispatcher) handleGameBegin(ctx context.Context, c *Client, msg *protocol.Message) error {
	room, err := d.roomFor(c.Key, msg.RoomKey)
	if err != nil {
		return err
	}
	answer, err := room.Begin(ctx, c.Key, msg.Seat, msg.RoomKey)
	if err != nil {
		return err
	}
	reply := protocol.Ack(msg)
	reply.RoomKey, reply.Seat = room.Key, msg.Seat
	reply.Message = answer
	reply.Users = room.Members()
	d.reply(c, reply)
	d.broadcastRooms()
	return nil
}

func (d *Dispatcher) handlePaint(c *Client, msg *protocol.Message) error {
	room, err := d.roomFor(c.Key, msg.RoomKey)
	if err != nil {
		return err
	}
	// Strokes are not acknowledged; only a rejection is sent back.
	return room.Paint(c.Key, msg.Seat, msg.RoomKey, msg.Data)
}

// roomFor resolves the room named by roomKey, or the caller's room when
// roomKey is empty.
func (d *Dispatcher) roomFor(key, roomKey string) (*game.Room, error) {
	if roomKey != "" {
		room, ok := d.rooms.Get(roomKey)
		if !ok {
			return nil, game.ErrNotFound
		}
		return room, nil
	}
	if room := d.rooms.FindRoomOf(key); room != nil {
		return room, nil
	}
	return nil, game.ErrNotMember
}

// Disconnect runs when c's read loop ends.
func (d *Dispatcher) Disconnect(c *Client) {
	if !c.loggedIn {
		c.transport.Close()
		return
	}
	if d.registry.MarkOffline(c.Key, c.transport) {
		d.HandleOffline(c.Key, c.transport)
		return
	}
	c.transport.Close()
}

// HandleOffline cleans up after key went offline on transport t. During a
// game the member keeps its seat for a reconnect; otherwise the connection
// is dropped and a lobby room membership ends.
func (d *Dispatcher) HandleOffline(key string, t session.Transport) {
	t.Close()

	conn, err := d.registry.Resolve(key)
	if err != nil || !conn.Owns(t) || !conn.Offline() {
		return
	}
	log := d.logger.WithField("key", key)

	if room := d.rooms.FindRoomOf(key); room != nil {
		res, err := room.Leave(key)
		if err == nil && res.MarkedOffline {
			log.WithField("room", room.Key).Info("user offline, seat kept")
			return
		}
		conn.SetInRoom(false)
		if res.Empty {
			d.rooms.RemoveIfEmpty(room.Key)
		}
	}

	if _, err := d.registry.Remove(key, t); err == nil {
		log.Info("connection removed")
	}
	d.broadcastRooms()
}

// onGameFinished drops the connections of members purged at the end of a
// game and garbage-collects the room if nobody is left.
func (d *Dispatcher) onGameFinished(room *game.Room, purged []string) {
	for _, key := range purged {
		if d.registry.RemoveOffline(key) {
			d.logger.WithFields(logrus.Fields{"key": key, "room": room.Key}).Info("offline member dropped")
		} else if conn, err := d.registry.Resolve(key); err == nil {
			conn.SetInRoom(false)
		}
	}
	d.rooms.RemoveIfEmpty(room.Key)
	d.broadcastRooms()
}

// broadcastRooms pushes the room list to every connection in the lobby.
func (d *Dispatcher) broadcastRooms() {
	msg := protocol.Push(protocol.TypeRoomList)
	msg.Rooms = d.rooms.Summaries()
	d.messenger.Lobby(msg)
}

// reply sends msg on c's own socket.
func (d *Dispatcher) reply(c *Client, msg *protocol.Message) {
	if err := c.transport.Send(protocol.Encode(msg)); err != nil {
		d.logger.WithFields(logrus.Fields{"key": c.Key, "error": err}).Warn("reply failed")
		if c.loggedIn {
			d.messenger.Fail(c.Key, c.transport)
		}
	}
}

// Wait blocks until background score writes have finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Reason maps an error to the short text sent to the client.
func Reason(err error) string {
	switch {
	case errors.Is(err, game.ErrNoQuestion):
		return game.ErrNoQuestion.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "request timed out"
	}
	for _, known := range []error{
		game.ErrNotFound, game.ErrRoomExists, game.ErrRoomFull, game.ErrNotMember,
		game.ErrAlreadyMember, game.ErrSeatInvalid, game.ErrSeatTaken, game.ErrUnauthorized,
		game.ErrNotReady, game.ErrGameInProgress, game.ErrStarting,
		session.ErrNotFound, session.ErrOffline,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
