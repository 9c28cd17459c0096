package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/DoyleJ11/lan-quiz/internal/host"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const maxSnapshotBody = 1 << 20

// Host is what the HTTP surface reads from and pushes to.
type Host interface {
	Info() host.Info
	Broadcast(snapshot types.Snapshot)
	ConnectionCount() int
}

// SnapshotSource supplies the current session snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (types.Snapshot, bool)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func Status(h Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Info())
	}
}

func CurrentSnapshot(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := src.Snapshot(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snap)
	}
}

// Broadcast pushes the request body, which must be a JSON document, to every
// connected participant as a Snapshot.
func Broadcast(h Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBody+1))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxSnapshotBody {
			http.Error(w, "snapshot too large", http.StatusRequestEntityTooLarge)
			return
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err != nil {
			http.Error(w, "snapshot must be JSON", http.StatusBadRequest)
			return
		}
		h.Broadcast(types.Snapshot(compact.Bytes()))

		writeJSON(w, http.StatusAccepted, struct {
			Connections int `json:"connections"`
		}{Connections: h.ConnectionCount()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
