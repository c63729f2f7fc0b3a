package publish

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// publishRequest is the body of POST /internal/publish.
type publishRequest struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// HTTPHandler exposes the Publish API to the business backend over HTTP,
// guarded by a shared token. It is mounted on the gateway's internal mux;
// it is not a client-facing protocol.
func HTTPHandler(p *Publisher, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token == "" || r.Header.Get("X-Internal-Token") != token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.Event == "" {
			http.Error(w, "event is required", http.StatusBadRequest)
			return
		}

		err := p.Publish(r.Context(), req.Room, req.Event, req.Payload)
		switch {
		case err == nil:
			// Fire-and-forget: accepted for delivery, not confirmed
			// delivered.
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, ErrStreamClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("[publish] http publish rejected room=%s event=%s: %v", req.Room, req.Event, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
}
