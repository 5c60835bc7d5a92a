// internal/session/registry.go
package session

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("connection not found")
	ErrOffline  = errors.New("connection offline")
)

// LoginResult tells the caller how a Login call was resolved.
type LoginResult int

const (
	// LoginNew means a fresh Connection was created for an unknown key.
	LoginNew LoginResult = iota
	// LoginReconnect means an offline Connection was re-attached to the new transport.
	LoginReconnect
	// LoginDuplicate means the key is already online; nothing was changed.
	LoginDuplicate
)

func (r LoginResult) String() string {
	switch r {
	case LoginNew:
		return "new"
	case LoginReconnect:
		return "reconnect"
	case LoginDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Registry maps user keys to their Connection. Every operation is atomic per key.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection

	// OnCountChange, if set, is called with the number of registered connections
	// after every insert or delete. It runs with the registry lock held.
	OnCountChange func(n int)

	logger *logrus.Logger
}

// NewRegistry initializes an empty Registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Login resolves a login attempt for key on transport t.
func (r *Registry) Login(key, name, avatar string, t Transport) (*Connection, LoginResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[key]; ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.offline {
			return c, LoginDuplicate
		}
		c.transport = t
		c.offline = false
		r.logger.WithField("key", key).Debug("connection re-attached")
		return c, LoginReconnect
	}

	c := newConnection(key, name, avatar, t)
	r.conns[key] = c
	r.countChangedLocked()
	r.logger.WithFields(logrus.Fields{"key": key, "name": name}).Debug("connection registered")
	return c, LoginNew
}

// Resolve returns the Connection registered under key.
func (r *Registry) Resolve(key string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// MarkOffline flags the connection as offline if t is still its transport.
// It returns true only for the call that performed the online to offline
// transition, so failure handling runs once per socket.
func (r *Registry) MarkOffline(key string, t Transport) bool {
	r.mu.Lock()
	c, ok := r.conns[key]
	r.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline || (t != nil && c.transport != t) {
		return false
	}
	c.offline = true
	return true
}

// Remove deletes the connection for key. When t is non-nil the entry is only
// removed if t is still its transport, so a removal racing a reconnect keeps
// the newer socket registered.
func (r *Registry) Remove(key string, t Transport) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[key]
	if !ok {
		return nil, ErrNotFound
	}
	if t != nil && !c.Owns(t) {
		return nil, ErrNotFound
	}
	delete(r.conns, key)
	r.countChangedLocked()
	return c, nil
}

// RemoveOffline deletes the connection for key only if it is offline.
func (r *Registry) RemoveOffline(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[key]
	if !ok || !c.Offline() {
		return false
	}
	delete(r.conns, key)
	r.countChangedLocked()
	return true
}

// Lobby returns the online connections that are not members of any room.
func (r *Registry) Lobby() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		c.mu.Lock()
		idle := !c.offline && !c.inRoom
		c.mu.Unlock()
		if idle {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered connections, online or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) countChangedLocked() {
	if r.OnCountChange != nil {
		r.OnCountChange(len(r.conns))
	}
}
