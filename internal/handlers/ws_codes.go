// internal/handlers/ws_codes.go
package handlers

import (
	"github.com/coder/websocket"
	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = protocol.Subprotocol

// Custom WebSocket close codes used by the match handler.
const (
	BadSubprotocolError websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	ServerShutdownClose websocket.StatusCode = 3001 // Server is draining connections before exit.
	SlowConsumerClose   websocket.StatusCode = 3002 // Outbound queue overflowed; client is not reading.
)
