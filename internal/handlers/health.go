package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness. When st is non-nil it is pinged and a
// failing store reports 503.
func HealthHandler(gs *GameServer, st Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			Rooms:       gs.Coordinator.RoomCount(),
			Connections: gs.ConnectionCount(),
		}
		code := http.StatusOK
		if st != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := st.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Error = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
