// internal/handlers/game_server.go
package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/jason-s-yu/blockfall/internal/match"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/sirupsen/logrus"
)

// GameServer owns the live connections and routes their frames to the
// match coordinator.
type GameServer struct {
	Coordinator *match.Coordinator
	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string

	logger *logrus.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	draining bool
}

func NewGameServer(coord *match.Coordinator, logger *logrus.Logger) *GameServer {
	return &GameServer{
		Coordinator:    coord,
		OriginPatterns: []string{"*"},
		logger:         logger,
		conns:          make(map[string]*Connection),
	}
}

// register tracks conn; it fails once the server is draining.
func (gs *GameServer) register(conn *Connection) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.draining {
		return false
	}
	gs.conns[conn.ID] = conn
	return true
}

func (gs *GameServer) unregister(conn *Connection) {
	gs.mu.Lock()
	delete(gs.conns, conn.ID)
	gs.mu.Unlock()
}

// ConnectionCount returns the number of open connections.
func (gs *GameServer) ConnectionCount() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.conns)
}

// Shutdown refuses new connections, sends server_shutdown to every client,
// closes all rooms, and waits for the write pumps to flush or ctx to expire.
func (gs *GameServer) Shutdown(ctx context.Context, message string) {
	gs.mu.Lock()
	gs.draining = true
	conns := make([]*Connection, 0, len(gs.conns))
	for _, conn := range gs.conns {
		conns = append(conns, conn)
	}
	gs.mu.Unlock()

	gs.logger.Infof("Shutting down %d connection(s).", len(conns))

	var unseated []*Connection
	for _, conn := range conns {
		if !gs.Coordinator.Seated(conn.Binding(), conn) {
			unseated = append(unseated, conn)
		}
	}
	gs.Coordinator.Shutdown(ctx, message)
	for _, conn := range unseated {
		conn.Send(protocol.ServerShutdown{
			Header:  protocol.Header{Type: protocol.TypeServerShutdown},
			Message: message,
		})
	}

	for _, conn := range conns {
		conn.Close(ServerShutdownClose, message)
	}
	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-ctx.Done():
			gs.logger.Warnf("Shutdown deadline reached with connections still flushing.")
			return
		}
	}
}

// Routes mounts the websocket and health endpoints. st may be nil.
func (gs *GameServer) Routes(mux *http.ServeMux, wrap func(http.Handler) http.Handler, st Pinger) {
	mux.Handle("/ws", wrap(http.HandlerFunc(gs.ServeWS)))
	mux.Handle("/healthz", HealthHandler(gs, st))
}
