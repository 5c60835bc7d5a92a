// internal/protocol/codec.go
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned by Decode for truncated or schema-violating input.
// The connection that produced it cannot be trusted to stay in sync and must be closed.
var ErrMalformed = errors.New("malformed message")

// Field numbers of the top-level message.
const (
	fieldType      protowire.Number = 1
	fieldID        protowire.Number = 2
	fieldCode      protowire.Number = 3
	fieldError     protowire.Number = 4
	fieldKey       protowire.Number = 5
	fieldName      protowire.Number = 6
	fieldAvatar    protowire.Number = 7
	fieldRoomKey   protowire.Number = 8
	fieldRoomName  protowire.Number = 9
	fieldSeat      protowire.Number = 10
	fieldMessage   protowire.Number = 11
	fieldBroadcast protowire.Number = 12
	fieldRooms     protowire.Number = 13
	fieldUsers     protowire.Number = 14
	fieldData      protowire.Number = 15
	fieldVersion   protowire.Number = 16
)

// Field numbers shared by the nested room and member summaries.
const (
	summaryName   protowire.Number = 1
	summaryAvatar protowire.Number = 2
	summaryCounts protowire.Number = 3 // room: member count, member: seat
	summaryFlag   protowire.Number = 4 // room: game begun, member: score
	summaryKey    protowire.Number = 5 // room only
)

// Encode serializes m. Zero-valued scalar fields are omitted, so a decoder
// sees them as their zero value.
func Encode(m *Message) []byte {
	b := make([]byte, 0, 64+len(m.Data))
	b = appendVarint(b, fieldType, uint64(uint32(m.Type)))
	b = appendVarint(b, fieldID, uint64(m.ID))
	b = appendSint(b, fieldCode, m.Code)
	b = appendString(b, fieldError, m.Error)
	b = appendString(b, fieldKey, m.Key)
	b = appendString(b, fieldName, m.Name)
	b = appendString(b, fieldAvatar, m.Avatar)
	b = appendString(b, fieldRoomKey, m.RoomKey)
	b = appendString(b, fieldRoomName, m.RoomName)
	b = appendSint(b, fieldSeat, m.Seat)
	b = appendString(b, fieldMessage, m.Message)
	if m.Broadcast {
		b = protowire.AppendTag(b, fieldBroadcast, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, r := range m.Rooms {
		b = protowire.AppendTag(b, fieldRooms, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRoom(r))
	}
	for _, u := range m.Users {
		b = protowire.AppendTag(b, fieldUsers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMember(u))
	}
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	v := m.Version
	if v == 0 {
		v = Version
	}
	b = appendVarint(b, fieldVersion, uint64(v))
	return b
}

func encodeRoom(r RoomSummary) []byte {
	var b []byte
	b = appendString(b, summaryName, r.Name)
	b = appendString(b, summaryAvatar, r.Avatar)
	b = appendVarint(b, summaryCounts, uint64(uint32(r.Counts)))
	if r.GameBegin {
		b = protowire.AppendTag(b, summaryFlag, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, summaryKey, r.Key)
	return b
}

func encodeMember(u MemberSummary) []byte {
	var b []byte
	b = appendString(b, summaryName, u.Name)
	b = appendString(b, summaryAvatar, u.Avatar)
	b = appendSint(b, summaryCounts, u.Seat)
	b = appendSint(b, summaryFlag, u.Score)
	return b
}

// Decode parses a complete frame into a Message. Unknown field numbers are
// skipped; unknown Type values decode successfully and are left to the caller.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldType:
			return wantVarint(typ, func() { m.Type = Type(int32(v)) })
		case fieldID:
			return wantVarint(typ, func() { m.ID = int64(v) })
		case fieldCode:
			return wantVarint(typ, func() { m.Code = int32(protowire.DecodeZigZag(v)) })
		case fieldError:
			return wantBytes(typ, func() { m.Error = string(raw) })
		case fieldKey:
			return wantBytes(typ, func() { m.Key = string(raw) })
		case fieldName:
			return wantBytes(typ, func() { m.Name = string(raw) })
		case fieldAvatar:
			return wantBytes(typ, func() { m.Avatar = string(raw) })
		case fieldRoomKey:
			return wantBytes(typ, func() { m.RoomKey = string(raw) })
		case fieldRoomName:
			return wantBytes(typ, func() { m.RoomName = string(raw) })
		case fieldSeat:
			return wantVarint(typ, func() { m.Seat = int32(protowire.DecodeZigZag(v)) })
		case fieldMessage:
			return wantBytes(typ, func() { m.Message = string(raw) })
		case fieldBroadcast:
			return wantVarint(typ, func() { m.Broadcast = v != 0 })
		case fieldRooms:
			if typ != protowire.BytesType {
				return errWireType(num, typ)
			}
			r, err := decodeRoom(raw)
			if err != nil {
				return err
			}
			m.Rooms = append(m.Rooms, r)
		case fieldUsers:
			if typ != protowire.BytesType {
				return errWireType(num, typ)
			}
			u, err := decodeMember(raw)
			if err != nil {
				return err
			}
			m.Users = append(m.Users, u)
		case fieldData:
			return wantBytes(typ, func() { m.Data = append([]byte(nil), raw...) })
		case fieldVersion:
			return wantVarint(typ, func() { m.Version = uint32(v) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeRoom(data []byte) (RoomSummary, error) {
	var r RoomSummary
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case summaryName:
			return wantBytes(typ, func() { r.Name = string(raw) })
		case summaryAvatar:
			return wantBytes(typ, func() { r.Avatar = string(raw) })
		case summaryCounts:
			return wantVarint(typ, func() { r.Counts = int32(v) })
		case summaryFlag:
			return wantVarint(typ, func() { r.GameBegin = v != 0 })
		case summaryKey:
			return wantBytes(typ, func() { r.Key = string(raw) })
		}
		return nil
	})
	return r, err
}

func decodeMember(data []byte) (MemberSummary, error) {
	var u MemberSummary
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case summaryName:
			return wantBytes(typ, func() { u.Name = string(raw) })
		case summaryAvatar:
			return wantBytes(typ, func() { u.Avatar = string(raw) })
		case summaryCounts:
			return wantVarint(typ, func() { u.Seat = int32(protowire.DecodeZigZag(v)) })
		case summaryFlag:
			return wantVarint(typ, func() { u.Score = int32(protowire.DecodeZigZag(v)) })
		}
		return nil
	})
	return u, err
}

// walk iterates over the fields of one encoded message. For varint fields v
// holds the value; for length-delimited fields raw holds the payload.
// Fields of any other wire type are validated and skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func wantVarint(typ protowire.Type, set func()) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	set()
	return nil
}

func wantBytes(typ protowire.Type, set func()) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	set()
	return nil
}

func errWireType(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
