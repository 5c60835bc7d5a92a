// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the room socket. These give more
// specific reasons for closure than the standard codes.
const (
	DuplicateLoginError   websocket.StatusCode = 3001 // Key is already online on another socket.
	MalformedMessageError websocket.StatusCode = 3004 // Frame did not decode; the stream cannot be trusted.
	RateLimitedError      websocket.StatusCode = 3008 // Client kept sending after being told to slow down.
)
