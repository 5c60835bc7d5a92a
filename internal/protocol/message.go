// internal/protocol/message.go
package protocol

import "fmt"

// Type identifies the kind of a Message on the wire.
type Type int32

const (
	TypeUnknown Type = iota
	TypeLogin
	TypeChat
	TypeCreateRoom
	TypeJoinRoom
	TypeLeaveRoom
	TypeGameBegin
	TypePaint

	// Server-pushed kinds.
	TypeEnteredRoom
	TypeLeavedRoom
	TypeOnline
	TypeOffline
	TypeCountdown
	TypeUpdateUser
	TypeGameEnd
	TypeGameFinished
	TypeRoomList

	// TypeSeat lets a member take or release a seat while the room is in the lobby state.
	TypeSeat
)

var typeNames = map[Type]string{
	TypeUnknown:      "unknown",
	TypeLogin:        "login",
	TypeChat:         "chat",
	TypeCreateRoom:   "create_room",
	TypeJoinRoom:     "join_room",
	TypeLeaveRoom:    "leave_room",
	TypeGameBegin:    "game_begin",
	TypePaint:        "paint",
	TypeEnteredRoom:  "entered_room",
	TypeLeavedRoom:   "leaved_room",
	TypeOnline:       "online",
	TypeOffline:      "offline",
	TypeCountdown:    "countdown",
	TypeUpdateUser:   "update_user",
	TypeGameEnd:      "game_end",
	TypeGameFinished: "game_finished",
	TypeRoomList:     "room_list",
	TypeSeat:         "seat",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// Known reports whether t is a kind this server understands.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok && t != TypeUnknown
}

// Result codes carried in Message.Code.
const (
	CodeSuccess int32 = 0
	CodeError   int32 = -1
)

// Version is the schema version stamped on every encoded message.
const Version uint32 = 1

// RoomSummary describes a room for lobby listings.
type RoomSummary struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar"`
	Counts    int32  `json:"counts"`
	GameBegin bool   `json:"gameBegin"`
}

// MemberSummary describes a room member in UpdateUser style payloads.
type MemberSummary struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Seat   int32  `json:"seat"`
	Score  int32  `json:"score"`
}

// Message is the single envelope exchanged between client and server.
// Which fields are meaningful depends on Type.
type Message struct {
	Type      Type
	ID        int64
	Code      int32
	Error     string
	Key       string
	Name      string
	Avatar    string
	RoomKey   string
	RoomName  string
	Seat      int32
	Message   string
	Broadcast bool
	Rooms     []RoomSummary
	Users     []MemberSummary
	Data      []byte
	Version   uint32
}

// Ack builds a success reply correlated with req.
func Ack(req *Message) *Message {
	return &Message{Type: req.Type, ID: req.ID, Code: CodeSuccess}
}

// Reject builds an error reply correlated with req.
func Reject(req *Message, reason string) *Message {
	return &Message{Type: req.Type, ID: req.ID, Code: CodeError, Error: reason}
}

// Push builds a server-initiated broadcast of kind t.
func Push(t Type) *Message {
	return &Message{Type: t, Broadcast: true}
}
