// Package ws lets browsers join a quiz over WebSocket. Each text message
// carries one protocol line, so the host treats the socket like any TCP
// participant.
package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/hub"
)

// Server is the part of the host the bridge needs.
type Server interface {
	Serve(ctx context.Context, t hub.Transport)
}

type Options struct {
	// SessionID, when set, must match the "session" query parameter if one is given.
	SessionID string
	// OriginPatterns loosens the same-origin check, e.g. "localhost:*" in dev.
	OriginPatterns []string
	MaxLine        int
	Logger         *zap.Logger
}

func Handler(srv Server, opts Options) http.HandlerFunc {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s := r.URL.Query().Get("session"); s != "" && opts.SessionID != "" && s != opts.SessionID {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("websocket accept failed", zap.Error(err))
			return
		}

		// Serve closes the transport when the participant leaves.
		srv.Serve(r.Context(), hub.NewWSTransport(conn, r.RemoteAddr, opts.MaxLine))
	}
}
