package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/cpsdqs/aof/internal/session"
)

// handleWebSocket upgrades the connection (already authenticated by
// requireUser) and hands it to the session package for the lifetime of
// the socket.
func (s *Server) handleWebSocket(h session.Handler, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		nc, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Debug("websocket upgrade failed", "err", err)
			return
		}

		// r.Context() is cancelled the instant this handler returns, which
		// would immediately tear down a just-hijacked connection — the
		// session's lifetime is tied to the socket itself, not the request.
		go session.Serve(context.Background(), nc, userID, s.hub, h, log)
	}
}
