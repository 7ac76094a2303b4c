package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Handler upgrades the request and streams the status feed to it.
func Handler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The control server binds to loopback; local front ends run on
		// arbitrary origins.
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.Warn("status feed accept", "error", err)
			return
		}
		logger.Debug("status feed subscriber connected", "remote", r.RemoteAddr)

		NewClient(hub, conn).Run(r.Context())
	}
}
