// internal/game/room.go
package game

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/guess/internal/metrics"
	"github.com/jason-s-yu/guess/internal/models"
	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	// Capacity is the maximum number of members in a room, and the number of seats.
	Capacity = 8
	// NoSeat marks a spectator or a member who has not taken a seat yet.
	NoSeat int32 = -1
	// MinPlayers is the number of members, and of seated members, needed to begin.
	MinPlayers = 2
)

var markup = regexp.MustCompile(`</?[^>]+>`)

// StripMarkup removes anything that looks like an HTML tag and trims the result.
func StripMarkup(s string) string {
	return strings.TrimSpace(markup.ReplaceAllString(s, ""))
}

// Notifier delivers room traffic. It must not block.
type Notifier interface {
	Send(key string, msg *protocol.Message) bool
	Broadcast(keys []string, except string, msg *protocol.Message) int
}

// Recorder receives the history of each round.
type Recorder interface {
	Record(ctx context.Context, action models.RoundAction) error
}

// RoundConfig holds the timings of a round.
type RoundConfig struct {
	Duration    time.Duration // total length of a round
	ShrinkTo    time.Duration // remaining time after the first correct answer
	ShrinkGuard time.Duration // only shrink if more than ShrinkTo+ShrinkGuard remains
	Draw        DrawPolicy
}

// DefaultRoundConfig returns a 120s round shrinking to 30s.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		Duration:    120 * time.Second,
		ShrinkTo:    30 * time.Second,
		ShrinkGuard: 5 * time.Second,
		Draw:        DefaultDrawPolicy(),
	}
}

// RoomDeps are the collaborators shared by every room of a RoomStore.
type RoomDeps struct {
	Notifier  Notifier
	Questions QuestionBank
	Recorder  Recorder // optional
	Config    RoundConfig
	Logger    *logrus.Logger

	// OnFinish runs after a game finishes on its own timer, outside the room
	// lock. purged lists the offline members dropped at the reset.
	OnFinish func(r *Room, purged []string)
}

// Member is a connection's place in a room.
type Member struct {
	Key     string
	Name    string
	Avatar  string
	Seat    int32
	Score   int32 // earned in this room, separate from the lifetime score
	Offline bool
}

func (m *Member) summary() protocol.MemberSummary {
	return protocol.MemberSummary{Name: m.Name, Avatar: m.Avatar, Seat: m.Seat, Score: m.Score}
}

// ChatResult reports what a chat line did to the round.
type ChatResult struct {
	Correct bool
	Points  int32 // zero for an already credited solver
	First   bool
	Name    string
	RoundID uuid.UUID
}

// LeaveResult reports how a member left.
type LeaveResult struct {
	Removed       bool // member deleted from the room
	MarkedOffline bool // game running: seat and score kept for a reconnect
	Empty         bool // no members remain
}

// Snapshot is a consistent copy of a room's state.
type Snapshot struct {
	GameBegin       bool
	Question        string
	LastQuestionID  int
	FirstCorrectKey string
	PaintSeat       int32
	PainterKey      string
	Deadline        time.Time
	TimerActive     bool
	Members         []Member
}

// Room is one game session. All fields below mu are guarded by it; methods
// ending in Unsafe expect the caller to hold it.
//
// Between two rounds of a game the next question is drawn without the lock.
// For that window gameBegin holds while no timer is armed and question is
// empty: chat is never matched as an answer, and Begin and TakeSeat are
// refused. The window is bounded by DrawPolicy.Timeout, after which a failed
// draw finishes the game.
type Room struct {
	Key    string
	Name   string
	Avatar string

	deps RoomDeps
	log  *logrus.Entry

	mu                sync.Mutex
	members           []*Member
	closed            bool
	gameBegin         bool
	starting          bool
	question          string
	lastQuestionID    int
	firstCorrectKey   string
	credited          map[string]bool
	deadline          time.Time
	currentPaintSeat  int32
	currentPainterKey string
	timer             *roundTimer
	roundID           uuid.UUID
	actionIndex       int
}

func newRoom(key, name, avatar string, deps RoomDeps) *Room {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	r := &Room{
		Key:      key,
		Name:     name,
		Avatar:   avatar,
		deps:     deps,
		log:      deps.Logger.WithField("room", key),
		credited: make(map[string]bool),
	}
	r.timer = newRoundTimer(r.onTimer)
	return r
}

// Join adds m to the room. While a game runs newcomers can only spectate.
func (r *Room) Join(m Member) ([]protocol.MemberSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrNotFound
	}
	if r.findUnsafe(m.Key) != nil {
		return nil, ErrAlreadyMember
	}
	if len(r.members) >= Capacity {
		return nil, ErrRoomFull
	}
	if r.gameBegin {
		m.Seat = NoSeat
	} else if err := r.checkSeatUnsafe(m.Seat, ""); err != nil {
		return nil, err
	}
	m.Score, m.Offline = 0, false
	r.members = append(r.members, &m)
	if !r.gameBegin {
		r.recomputePainterUnsafe()
	}
	r.log.WithFields(logrus.Fields{"key": m.Key, "seat": m.Seat}).Info("member joined")

	users := r.summariesUnsafe()
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), m.Key, r.userListUnsafe(users))
	return users, nil
}

// Leave removes key from a lobby room. While a game runs the member is only
// flagged offline so a reconnect can resume the seat: it stops receiving
// room traffic but stays bound to this room until the game finishes.
func (r *Room) Leave(key string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findUnsafe(key)
	if m == nil {
		return LeaveResult{}, ErrNotMember
	}

	if r.gameBegin {
		if !m.Offline {
			m.Offline = true
			msg := protocol.Push(protocol.TypeOffline)
			msg.Name, msg.Avatar, msg.Seat = m.Name, m.Avatar, m.Seat
			r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), key, msg)
			r.log.WithField("key", key).Info("member offline during game")
		}
		return LeaveResult{MarkedOffline: true}, nil
	}

	r.removeUnsafe(key)
	r.recomputePainterUnsafe()
	r.log.WithField("key", key).Info("member left")
	if len(r.members) > 0 {
		r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", r.userListUnsafe(r.summariesUnsafe()))
	}
	return LeaveResult{Removed: true, Empty: len(r.members) == 0}, nil
}

// Reconnect brings an offline member back while a game runs. It returns the
// member list, or false if there is no game to re-enter.
func (r *Room) Reconnect(key string) ([]protocol.MemberSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findUnsafe(key)
	if m == nil || !r.gameBegin {
		return nil, false
	}
	m.Offline = false
	msg := protocol.Push(protocol.TypeOnline)
	msg.Name, msg.Avatar, msg.Seat = m.Name, m.Avatar, m.Seat
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), key, msg)
	r.log.WithField("key", key).Info("member back online")
	return r.summariesUnsafe(), true
}

// TakeSeat moves a member to seat, or to NoSeat. Only allowed between games.
func (r *Room) TakeSeat(key string, seat int32) ([]protocol.MemberSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findUnsafe(key)
	if m == nil || m.Offline {
		return nil, ErrNotMember
	}
	if r.gameBegin || r.starting {
		return nil, ErrGameInProgress
	}
	if err := r.checkSeatUnsafe(seat, key); err != nil {
		return nil, err
	}
	m.Seat = seat
	r.recomputePainterUnsafe()

	users := r.summariesUnsafe()
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", r.userListUnsafe(users))
	return users, nil
}

// Begin starts a game on behalf of the current painter. The question is
// drawn without holding the lock and the preconditions are checked again
// before the round is committed. It returns the answer for the painter.
func (r *Room) Begin(ctx context.Context, key string, seat int32, roomKey string) (string, error) {
	r.mu.Lock()
	if err := r.canBeginUnsafe(key, seat, roomKey); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.starting = true
	exclude := r.lastQuestionID
	r.mu.Unlock()

	q, err := r.draw(ctx, exclude)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false
	if err != nil {
		r.log.WithError(err).Warn("question draw failed")
		return "", err
	}
	if err := r.canBeginUnsafe(key, seat, roomKey); err != nil {
		return "", err
	}

	r.gameBegin = true
	r.startRoundUnsafe(q, false)
	return q.Text, nil
}

func (r *Room) draw(ctx context.Context, exclude int) (*models.Question, error) {
	if t := r.deps.Config.Draw.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return DrawQuestion(ctx, r.deps.Questions, exclude, r.deps.Config.Draw)
}

func (r *Room) canBeginUnsafe(key string, seat int32, roomKey string) error {
	switch {
	case r.closed:
		return ErrNotFound
	case r.gameBegin:
		return ErrGameInProgress
	case r.starting:
		return ErrStarting
	case roomKey != r.Key || key == "" || key != r.currentPainterKey || seat != r.currentPaintSeat:
		return ErrUnauthorized
	case len(r.members) < MinPlayers || r.seatedUnsafe() < MinPlayers:
		return ErrNotReady
	}
	return nil
}

// Chat handles a chat line, which doubles as an answer while a round runs.
func (r *Room) Chat(key, text string) (ChatResult, error) {
	text = StripMarkup(text)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findUnsafe(key)
	if m == nil || m.Offline {
		return ChatResult{}, ErrNotMember
	}

	if r.gameBegin && r.question != "" && text == r.question {
		if key == r.currentPainterKey {
			return ChatResult{}, ErrUnauthorized
		}
		res := ChatResult{Correct: true, Name: m.Name, RoundID: r.roundID}
		if r.credited[key] {
			return res, nil
		}
		res.Points = 1
		if r.firstCorrectKey == "" {
			res.Points, res.First = 2, true
			r.firstCorrectKey = key
		}
		m.Score += res.Points
		r.credited[key] = true
		metrics.CorrectAnswers.Inc()

		msg := protocol.Push(protocol.TypeChat)
		msg.Name, msg.Avatar = m.Name, m.Avatar
		msg.Message = fmt.Sprintf("%s answered correctly", m.Name)
		r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), key, msg)
		r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", r.userListUnsafe(r.summariesUnsafe()))
		if res.First {
			r.shrinkUnsafe()
		}
		r.recordUnsafe(models.ActionCorrectAnswer, key, map[string]interface{}{"points": res.Points})
		return res, nil
	}

	msg := protocol.Push(protocol.TypeChat)
	msg.Name, msg.Avatar, msg.Message = m.Name, m.Avatar, text
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), key, msg)
	return ChatResult{Name: m.Name}, nil
}

// Paint relays a stroke from the current painter to everyone else. The
// caller must name the painter's seat and this room, as for Begin.
func (r *Room) Paint(key string, seat int32, roomKey string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.gameBegin || key == "" || key != r.currentPainterKey || seat != r.currentPaintSeat || roomKey != r.Key {
		return ErrUnauthorized
	}
	if m := r.findUnsafe(key); m == nil || m.Offline {
		return ErrUnauthorized
	}
	msg := protocol.Push(protocol.TypePaint)
	msg.Data = data
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), key, msg)
	return nil
}

// shrinkUnsafe cuts the remaining time after the first correct answer,
// unless the round is already close to its end.
func (r *Room) shrinkUnsafe() {
	cfg := r.deps.Config
	if time.Until(r.deadline) <= cfg.ShrinkTo+cfg.ShrinkGuard {
		return
	}
	if !r.timer.Shrink(cfg.ShrinkTo) {
		return
	}
	r.deadline = time.Now().Add(cfg.ShrinkTo)
	msg := protocol.Push(protocol.TypeCountdown)
	msg.Message = strconv.Itoa(int(cfg.ShrinkTo / time.Second))
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", msg)
}

// startRoundUnsafe arms the timer for question q and tells the room. The
// painter alone receives the answer; when notifyPainter is false the caller
// replies to the painter itself.
func (r *Room) startRoundUnsafe(q *models.Question, notifyPainter bool) {
	r.question = q.Text
	r.lastQuestionID = q.ID
	r.firstCorrectKey = ""
	r.credited = make(map[string]bool)
	r.roundID = uuid.New()
	r.actionIndex = 0
	r.deadline = time.Now().Add(r.deps.Config.Duration)
	r.timer.Arm(r.deps.Config.Duration)
	metrics.RoundsStarted.Inc()

	painter := r.findUnsafe(r.currentPainterKey)
	msg := protocol.Push(protocol.TypeGameBegin)
	msg.RoomKey = r.Key
	msg.Seat = r.currentPaintSeat
	if painter != nil {
		msg.Name, msg.Avatar = painter.Name, painter.Avatar
	}
	msg.Users = r.summariesUnsafe()
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), r.currentPainterKey, msg)

	if notifyPainter {
		private := *msg
		private.Message = q.Text
		r.deps.Notifier.Send(r.currentPainterKey, &private)
	}

	r.log.WithFields(logrus.Fields{"seat": r.currentPaintSeat, "question": q.ID}).Info("round started")
	r.recordUnsafe(models.ActionRoundBegin, r.currentPainterKey, map[string]interface{}{
		"question_id": q.ID,
		"seat":        r.currentPaintSeat,
	})
}

// onTimer is the round deadline. It ends the round, hands the brush to the
// next occupied seat with a fresh question, or finishes the game once every
// seat has painted.
func (r *Room) onTimer(gen uint64) {
	r.mu.Lock()
	if !r.gameBegin || r.timer.Generation() != gen {
		r.mu.Unlock()
		r.log.Debug("stale round timer ignored")
		return
	}
	r.timer.Stop()

	end := protocol.Push(protocol.TypeGameEnd)
	end.RoomKey = r.Key
	end.Message = r.question
	end.Users = r.summariesUnsafe()
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", end)
	r.recordUnsafe(models.ActionRoundEnd, r.currentPainterKey, map[string]interface{}{"first_correct": r.firstCorrectKey})

	next := r.nextSeatUnsafe(r.currentPaintSeat)
	if next >= Capacity || r.onlineUnsafe() == 0 {
		purged := r.finishUnsafe()
		r.mu.Unlock()
		r.afterFinish(purged)
		return
	}

	r.currentPaintSeat = next
	r.currentPainterKey = r.keyAtSeatUnsafe(next)
	r.question = ""
	r.firstCorrectKey = ""
	r.credited = make(map[string]bool)
	epoch := r.timer.Generation()
	exclude := r.lastQuestionID
	r.mu.Unlock()

	q, err := r.draw(context.Background(), exclude)

	r.mu.Lock()
	if !r.gameBegin || r.timer.Generation() != epoch {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.log.WithError(err).Error("question draw failed, finishing game")
		purged := r.finishUnsafe()
		r.mu.Unlock()
		r.afterFinish(purged)
		return
	}
	r.startRoundUnsafe(q, true)
	r.mu.Unlock()
}

// finishUnsafe ends the game, resets the round state and drops members that
// went offline during it. Seats and room scores are kept.
func (r *Room) finishUnsafe() []string {
	r.timer.Stop()

	msg := protocol.Push(protocol.TypeGameFinished)
	msg.RoomKey = r.Key
	msg.Users = r.summariesUnsafe()
	r.deps.Notifier.Broadcast(r.onlineKeysUnsafe(), "", msg)
	r.recordUnsafe(models.ActionGameFinished, "", nil)

	r.gameBegin = false
	r.question = ""
	r.firstCorrectKey = ""
	r.credited = make(map[string]bool)
	r.deadline = time.Time{}

	var purged []string
	kept := r.members[:0]
	for _, m := range r.members {
		if m.Offline {
			purged = append(purged, m.Key)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(r.members); i++ {
		r.members[i] = nil
	}
	r.members = kept
	r.recomputePainterUnsafe()

	r.log.WithField("purged", len(purged)).Info("game finished")
	return purged
}

func (r *Room) afterFinish(purged []string) {
	if r.deps.OnFinish != nil {
		r.deps.OnFinish(r, purged)
	}
}

// recomputePainterUnsafe points the brush at the lowest occupied seat.
func (r *Room) recomputePainterUnsafe() {
	seat := r.nextSeatUnsafe(NoSeat)
	if seat >= Capacity {
		r.currentPaintSeat, r.currentPainterKey = 0, ""
		return
	}
	r.currentPaintSeat = seat
	r.currentPainterKey = r.keyAtSeatUnsafe(seat)
}

// nextSeatUnsafe returns the first seat after from held by an online member,
// or Capacity if there is none.
func (r *Room) nextSeatUnsafe(from int32) int32 {
	for s := from + 1; s < Capacity; s++ {
		for _, m := range r.members {
			if m.Seat == s && !m.Offline {
				return s
			}
		}
	}
	return Capacity
}

func (r *Room) keyAtSeatUnsafe(seat int32) string {
	for _, m := range r.members {
		if m.Seat == seat {
			return m.Key
		}
	}
	return ""
}

func (r *Room) checkSeatUnsafe(seat int32, self string) error {
	if seat < NoSeat || seat >= Capacity {
		return ErrSeatInvalid
	}
	if seat == NoSeat {
		return nil
	}
	for _, m := range r.members {
		if m.Seat == seat && m.Key != self {
			return ErrSeatTaken
		}
	}
	return nil
}

func (r *Room) seatedUnsafe() int {
	n := 0
	for _, m := range r.members {
		if m.Seat != NoSeat {
			n++
		}
	}
	return n
}

func (r *Room) onlineUnsafe() int {
	n := 0
	for _, m := range r.members {
		if !m.Offline {
			n++
		}
	}
	return n
}

func (r *Room) findUnsafe(key string) *Member {
	for _, m := range r.members {
		if m.Key == key {
			return m
		}
	}
	return nil
}

func (r *Room) removeUnsafe(key string) {
	for i, m := range r.members {
		if m.Key == key {
			copy(r.members[i:], r.members[i+1:])
			r.members[len(r.members)-1] = nil
			r.members = r.members[:len(r.members)-1]
			return
		}
	}
}

// onlineKeysUnsafe lists the members that receive room traffic. Members
// who left or dropped during a game are skipped until they reconnect.
func (r *Room) onlineKeysUnsafe() []string {
	keys := make([]string, 0, len(r.members))
	for _, m := range r.members {
		if !m.Offline {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

func (r *Room) keysUnsafe() []string {
	keys := make([]string, len(r.members))
	for i, m := range r.members {
		keys[i] = m.Key
	}
	return keys
}

func (r *Room) summariesUnsafe() []protocol.MemberSummary {
	out := make([]protocol.MemberSummary, len(r.members))
	for i, m := range r.members {
		out[i] = m.summary()
	}
	return out
}

func (r *Room) userListUnsafe(users []protocol.MemberSummary) *protocol.Message {
	msg := protocol.Push(protocol.TypeUpdateUser)
	msg.RoomKey = r.Key
	msg.Users = users
	return msg
}

func (r *Room) recordUnsafe(actionType, actor string, payload map[string]interface{}) {
	if r.deps.Recorder == nil {
		return
	}
	action := models.RoundAction{
		RoundID:     r.roundID,
		RoomKey:     r.Key,
		ActionIndex: r.actionIndex,
		ActorKey:    actor,
		ActionType:  actionType,
		Payload:     payload,
		Timestamp:   time.Now().UnixMilli(),
	}
	r.actionIndex++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.deps.Recorder.Record(ctx, action); err != nil {
			r.log.WithError(err).Warn("failed to record round action")
		}
	}()
}

// HasMember reports whether key is a member of the room.
func (r *Room) HasMember(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findUnsafe(key) != nil
}

// Active reports whether a game is running.
func (r *Room) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameBegin
}

func (r *Room) Members() []protocol.MemberSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summariesUnsafe()
}

// MemberKeys returns the keys of all members, online or not.
func (r *Room) MemberKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keysUnsafe()
}

func (r *Room) Summary() protocol.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryUnsafe()
}

func (r *Room) summaryUnsafe() protocol.RoomSummary {
	return protocol.RoomSummary{
		Key:       r.Key,
		Name:      r.Name,
		Avatar:    r.Avatar,
		Counts:    int32(len(r.members)),
		GameBegin: r.gameBegin,
	}
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		GameBegin:       r.gameBegin,
		Question:        r.question,
		LastQuestionID:  r.lastQuestionID,
		FirstCorrectKey: r.firstCorrectKey,
		PaintSeat:       r.currentPaintSeat,
		PainterKey:      r.currentPainterKey,
		Deadline:        r.deadline,
		TimerActive:     r.timer.Active(),
		Members:         make([]Member, len(r.members)),
	}
	for i, m := range r.members {
		s.Members[i] = *m
	}
	return s
}

// Stop disposes the round timer. Used on shutdown.
func (r *Room) Stop() {
	r.mu.Lock()
	r.timer.Stop()
	r.mu.Unlock()
}
