// internal/messaging/outbox.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrBackpressure is returned when a recipient's queue is full. The
	// recipient is treated as unreachable rather than stalling the sender.
	ErrBackpressure = errors.New("outbox full")
	ErrClosed       = errors.New("outbox closed")
)

// Writer is the subset of *websocket.Conn used by the write pump.
type Writer interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
}

// Outbox is a bounded per-socket send queue drained by Pump.
// It implements session.Transport.
type Outbox struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewOutbox creates an outbox holding at most size pending frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Send enqueues data without blocking.
func (o *Outbox) Send(data []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.ch <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the pump. Pending frames are dropped. Safe to call more than once.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// Done is closed once Close has been called.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Pump writes queued frames to w as binary messages and pings every
// pingEvery. It returns nil when ctx ends or the outbox is closed, and the
// write error otherwise. A write in flight when ctx ends is allowed to
// finish within writeTimeout.
func (o *Outbox) Pump(ctx context.Context, w Writer, pingEvery, writeTimeout time.Duration) error {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	wctx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case data := <-o.ch:
			writeCtx, cancel := context.WithTimeout(wctx, writeTimeout)
			err := w.Write(writeCtx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(wctx, writeTimeout)
			err := w.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// Flush writes the frames still queued once the pump has stopped, so a final
// reply goes out before the socket is closed. It stops at the first error.
func (o *Outbox) Flush(ctx context.Context, w Writer, writeTimeout time.Duration) error {
	for {
		select {
		case data := <-o.ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := w.Write(writeCtx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				return fmt.Errorf("flush: %w", err)
			}
		default:
			return nil
		}
	}
}
