// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/guess/internal/messaging"
	"github.com/jason-s-yu/guess/internal/middleware"
	"github.com/jason-s-yu/guess/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SocketOptions tune each room socket.
type SocketOptions struct {
	OutboxSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	RateLimit    rate.Limit
	RateBurst    int
	// MaxViolations is how many rate-limited messages are answered before
	// the socket is closed.
	MaxViolations int
}

func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		OutboxSize:    64,
		PingInterval:  30 * time.Second,
		WriteTimeout:  5 * time.Second,
		ReadLimit:     1 << 20,
		RateLimit:     20,
		RateBurst:     40,
		MaxViolations: 50,
	}
}

var (
	errTextFrame   = errors.New("text frame received")
	errRateLimited = errors.New("rate limited")
)

// RoomWSHandler upgrades GET /room?key=<key> and serves the binary protocol.
func RoomWSHandler(logger *logrus.Logger, d *Dispatcher, opts SocketOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.CloseNow()
		if opts.ReadLimit > 0 {
			c.SetReadLimit(opts.ReadLimit)
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := messaging.NewOutbox(opts.OutboxSize)
		client := NewClient(key, r.RemoteAddr, out)

		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			defer cancel()
			if err := out.Pump(ctx, c, opts.PingInterval, opts.WriteTimeout); err != nil {
				logger.WithFields(logrus.Fields{"key": key, "error": err}).Debug("write pump failed")
				if client.LoggedIn() {
					d.messenger.Fail(key, out)
				}
			}
		}()

		readErr := readLoop(ctx, c, d, client, opts, logger)

		// Stop the pump before flushing so the socket has a single writer.
		cancel()
		<-pumpDone
		flushCtx, flushCancel := context.WithTimeout(context.Background(), opts.WriteTimeout)
		_ = out.Flush(flushCtx, c, opts.WriteTimeout)
		flushCancel()

		d.Disconnect(client)

		status, reason := closeStatus(readErr)
		c.Close(status, reason)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, readErr)
	}
}

// readLoop decodes and dispatches messages in arrival order until the
// socket fails or a message is fatal. A clean close returns nil.
func readLoop(ctx context.Context, c *websocket.Conn, d *Dispatcher, client *Client, opts SocketOptions, logger *logrus.Logger) error {
	limiter := rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	violations := 0

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageBinary {
			return errTextFrame
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.WithFields(logrus.Fields{"key": client.Key, "error": err}).Warn("malformed message")
			return err
		}

		if !limiter.Allow() {
			violations++
			if opts.MaxViolations > 0 && violations > opts.MaxViolations {
				return errRateLimited
			}
			d.reply(client, protocol.Reject(msg, errRateLimited.Error()))
			continue
		}

		if err := d.Dispatch(ctx, client, msg); err != nil {
			return err
		}
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, errTextFrame):
		return websocket.StatusUnsupportedData, "binary frames only"
	case errors.Is(err, protocol.ErrMalformed):
		return MalformedMessageError, "malformed message"
	case errors.Is(err, ErrDuplicateLogin):
		return DuplicateLoginError, ErrDuplicateLogin.Error()
	case errors.Is(err, errRateLimited):
		return RateLimitedError, errRateLimited.Error()
	}
	return websocket.StatusInternalError, "read error"
}
