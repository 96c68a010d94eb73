package api

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/transport"
)

// healthzHandler reports liveness only: the process is running and able to
// answer HTTP at all. It never touches the database.
func healthzHandler(hub *transport.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Ok(w, envelope{"status": "ok", "connections": hub.Count()})
	}
}

// readyzHandler reports readiness: whether the database is reachable. A
// load balancer should stop routing new handshakes here on failure, but an
// existing process should not be killed for a transient DB blip.
func readyzHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx, database); err != nil {
			ErrServiceUnavailable(w, "database unreachable")
			return
		}
		Ok(w, envelope{"status": "ok"})
	}
}
