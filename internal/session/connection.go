// internal/session/connection.go
package session

import "sync"

// Transport is the outbound half of a live socket. Send must not block.
type Transport interface {
	Send(data []byte) error
	Close()
}

// Connection is a user's session. It outlives any single socket: on
// reconnect the transport is swapped and the Connection is kept.
type Connection struct {
	Key string

	mu        sync.Mutex
	name      string
	avatar    string
	transport Transport
	offline   bool
	inRoom    bool
	score     int64
}

func newConnection(key, name, avatar string, t Transport) *Connection {
	return &Connection{Key: key, name: name, avatar: avatar, transport: t}
}

func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Connection) Avatar() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avatar
}

// Transport returns the current socket, or nil if the connection is offline.
func (c *Connection) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return nil
	}
	return c.transport
}

// Owns reports whether t is the transport currently attached to c.
func (c *Connection) Owns(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport == t
}

func (c *Connection) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

func (c *Connection) InRoom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inRoom
}

// SetInRoom records whether the connection is currently a member of a room.
func (c *Connection) SetInRoom(v bool) {
	c.mu.Lock()
	c.inRoom = v
	c.mu.Unlock()
}

// Score is the cached lifetime score loaded from the user store.
func (c *Connection) Score() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

func (c *Connection) SetScore(v int64) {
	c.mu.Lock()
	c.score = v
	c.mu.Unlock()
}

// Send pushes data to the attached transport. Offline connections are skipped.
func (c *Connection) Send(data []byte) error {
	t := c.Transport()
	if t == nil {
		return ErrOffline
	}
	return t.Send(data)
}
