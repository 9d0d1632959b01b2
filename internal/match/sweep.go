// internal/match/sweep.go
package match

import (
	"context"

	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/jason-s-yu/blockfall/internal/room"
)

// Sweep closes every room idle for at least the room TTL and tells its
// connected players. It returns the number of rooms expired.
func (c *Coordinator) Sweep(ctx context.Context) int {
	c.mu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	now := c.now()
	expired := 0
	for _, r := range rooms {
		r.Mu.Lock()
		if !r.Closed && now.Sub(r.LastActivityAt) >= c.opts.RoomTTL {
			r.Broadcast(protocol.RoomExpired{
				Header:   protocol.Header{Type: protocol.TypeRoomExpired},
				RoomCode: r.Code,
			})
			c.roomLog(r).Infof("Room idle since %s; expiring.", r.LastActivityAt.Format("15:04:05"))
			c.closeRoomLocked(ctx, r)
			expired++
		}
		r.Mu.Unlock()
	}
	return expired
}

// Shutdown notifies every connected player that the server is going away and
// closes all rooms.
func (c *Coordinator) Shutdown(ctx context.Context, message string) {
	c.mu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.Mu.Lock()
		r.Broadcast(protocol.ServerShutdown{
			Header:  protocol.Header{Type: protocol.TypeServerShutdown},
			Message: message,
		})
		c.closeRoomLocked(ctx, r)
		r.Mu.Unlock()
	}
}
