// internal/handlers/game_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/blockfall/internal/match"
	"github.com/jason-s-yu/blockfall/internal/middleware"
	"github.com/jason-s-yu/blockfall/internal/protocol"
)

const (
	readLimit     = 64 << 10
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
	pingTimeout   = 15 * time.Second
	opTimeout     = 5 * time.Second
	drainDeadline = time.Second
)

// ServeWS upgrades the request and runs the connection until it closes.
func (gs *GameServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: gs.OriginPatterns,
	})
	if err != nil {
		gs.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the "+Subprotocol+" subprotocol")
		return
	}
	c.SetReadLimit(readLimit)

	conn := newConnection(uuid.NewString(), r.RemoteAddr, gs.logger)
	if !gs.register(conn) {
		c.Close(websocket.StatusTryAgainLater, "server is shutting down")
		return
	}
	middleware.LogWebSocketConnect(gs.logger, r.RemoteAddr, r.URL.Path)

	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		gs.writePump(ctx, c, conn)
		cancel()
	}()

	err = gs.readPump(ctx, c, conn)

	cancel()
	<-conn.done
	gs.unregister(conn)
	if b := conn.Binding(); b.Bound() {
		dctx, dcancel := context.WithTimeout(context.Background(), opTimeout)
		gs.Coordinator.Disconnect(dctx, b, conn)
		dcancel()
	}
	middleware.LogWebSocketDisconnect(gs.logger, r.RemoteAddr, r.URL.Path, err)
}

// readPump reads frames until the socket closes, dispatching each in order.
// It returns the read error for non-clean closes.
func (gs *GameServer) readPump(ctx context.Context, c *websocket.Conn, conn *Connection) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			conn.logger.Warnf("Received non-text message type %d. Ignoring.", typ)
			continue
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			conn.logger.Warnf("Dropping malformed frame: %v", err)
			conn.WriteError(err)
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err = gs.dispatch(opCtx, conn, in)
		cancel()
		if err != nil {
			conn.logger.WithField("type", in.Type).Infof("Request rejected: %v", err)
			conn.WriteError(err)
		}
	}
}

// dispatch maps one inbound frame to a coordinator operation.
func (gs *GameServer) dispatch(ctx context.Context, conn *Connection, in protocol.Inbound) error {
	coord := gs.Coordinator
	b := conn.Binding()

	switch in.Type {
	case protocol.TypePing:
		conn.Send(protocol.Pong{Header: protocol.Header{Type: protocol.TypePong}})
		return nil

	case protocol.TypeCreateRoom, protocol.TypeJoinRoom, protocol.TypeReconnect:
		if coord.Seated(b, conn) {
			return match.ErrAlreadyInRoom
		}
		var (
			nb  match.Binding
			err error
		)
		switch in.Type {
		case protocol.TypeCreateRoom:
			nb, err = coord.CreateRoom(ctx, conn, in.Name, in.RoomType, in.Capacity)
		case protocol.TypeJoinRoom:
			nb, err = coord.JoinRoom(ctx, conn, in.RoomCode, in.Name)
		default:
			nb, err = coord.Reconnect(ctx, conn, in.Token)
		}
		if err != nil {
			return err
		}
		conn.bind(nb)
		return nil

	case protocol.TypeLeaveRoom:
		err := coord.Leave(ctx, b, conn)
		conn.unbind()
		return err

	case protocol.TypeReady:
		return coord.Ready(ctx, b, conn)
	case protocol.TypeGameUpdate:
		return coord.GameUpdate(ctx, b, conn, match.Update{Score: in.Score, Level: in.Level, Lines: in.Lines, Board: in.Board})
	case protocol.TypeGameOver:
		return coord.GameOver(ctx, b, conn, match.Update{Score: in.Score, Level: in.Level, Lines: in.Lines})
	case protocol.TypeSendGarbage:
		return coord.SendGarbage(ctx, b, conn, in.Lines)
	case protocol.TypeSendEmoji:
		return coord.Emoji(ctx, b, conn, in.Emoji)
	case protocol.TypeRequestRematch:
		return coord.RequestRematch(ctx, b, conn)
	case protocol.TypeDeclineRematch:
		return coord.DeclineRematch(ctx, b, conn)
	}
	return protocol.ErrUnknownType
}

// writePump serialises queued events onto the socket and keeps it alive with
// pings. It owns every write to c.
func (gs *GameServer) writePump(ctx context.Context, c *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(conn.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-conn.OutChan:
			if err := gs.write(ctx, c, conn, ev); err != nil {
				conn.logger.Warnf("Failed to write to websocket: %v", err)
				return
			}
		case <-conn.closing:
			gs.drain(c, conn)
			_ = c.Close(conn.closeCode, conn.closeReason)
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.logger.Warnf("Ping failed: %v", err)
				return
			}
		}
	}
}

// drain flushes whatever is still queued before a deliberate close.
func (gs *GameServer) drain(c *websocket.Conn, conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	for {
		select {
		case ev := <-conn.OutChan:
			if err := gs.write(ctx, c, conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (gs *GameServer) write(ctx context.Context, c *websocket.Conn, conn *Connection, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		conn.logger.Warnf("Failed to marshal outgoing %s: %v", ev.EventType(), err)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.Write(writeCtx, websocket.MessageText, data)
}
