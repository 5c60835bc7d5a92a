// internal/messaging/messenger.go
package messaging

import (
	"github.com/jason-s-yu/guess/internal/metrics"
	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/jason-s-yu/guess/internal/session"
	"github.com/sirupsen/logrus"
)

// OfflineFunc is notified after a recipient has been marked offline because
// a send to it failed. It runs on its own goroutine, never on the sender's.
type OfflineFunc func(key string, t session.Transport)

// Messenger delivers encoded messages to connections resolved through the registry.
type Messenger struct {
	registry  *session.Registry
	logger    *logrus.Logger
	onOffline OfflineFunc
}

func New(registry *session.Registry, logger *logrus.Logger) *Messenger {
	return &Messenger{registry: registry, logger: logger}
}

// OnOffline installs the hook run after a delivery failure.
func (m *Messenger) OnOffline(fn OfflineFunc) {
	m.onOffline = fn
}

// Send delivers msg to the connection registered under key.
func (m *Messenger) Send(key string, msg *protocol.Message) bool {
	c, err := m.registry.Resolve(key)
	if err != nil {
		return false
	}
	return m.deliver(c, protocol.Encode(msg))
}

// Broadcast delivers msg to every key except the excluded one. Offline and
// unknown recipients are skipped; a failing recipient does not stop delivery
// to the rest. It returns the number of successful enqueues.
func (m *Messenger) Broadcast(keys []string, except string, msg *protocol.Message) int {
	data := protocol.Encode(msg)
	sent := 0
	for _, key := range keys {
		if key == except {
			continue
		}
		c, err := m.registry.Resolve(key)
		if err != nil {
			continue
		}
		if m.deliver(c, data) {
			sent++
		}
	}
	return sent
}

// Lobby delivers msg to every online connection that is not in a room.
func (m *Messenger) Lobby(msg *protocol.Message) int {
	data := protocol.Encode(msg)
	sent := 0
	for _, c := range m.registry.Lobby() {
		if m.deliver(c, data) {
			sent++
		}
	}
	return sent
}

func (m *Messenger) deliver(c *session.Connection, data []byte) bool {
	t := c.Transport()
	if t == nil {
		return false
	}
	if err := t.Send(data); err != nil {
		m.logger.WithFields(logrus.Fields{"key": c.Key, "error": err}).Warn("delivery failed")
		m.Fail(c.Key, t)
		return false
	}
	return true
}

// Fail marks the connection offline after a transport failure on t. The
// offline hook runs at most once per transport.
func (m *Messenger) Fail(key string, t session.Transport) {
	if !m.registry.MarkOffline(key, t) {
		return
	}
	metrics.DeliveryFailures.Inc()
	m.logger.WithField("key", key).Info("connection marked offline")
	if m.onOffline != nil {
		go m.onOffline(key, t)
	}
}
