package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/meet-tables/internal/liveview"
	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
)

const sseHeartbeatInterval = 15 * time.Second

// StreamTables handles GET /tables/stream?gender=
// Pushes the full list of visible tables whenever it changes.
func (h *TableHandler) StreamTables(w http.ResponseWriter, r *http.Request) {
	gender := model.ParseGender(r.URL.Query().Get("gender"))
	sub := h.live.SubscribeVisibleTables(r.Context(), gender)
	defer sub.Stop()

	stream(h, w, r, sub, func(tables []model.Table) any {
		if tables == nil {
			return []model.Table{}
		}
		return tables
	})
}

// StreamTable handles GET /tables/{id}/stream
// The value is null once the table has been deleted.
func (h *TableHandler) StreamTable(w http.ResponseWriter, r *http.Request) {
	sub := h.live.SubscribeTable(r.Context(), chi.URLParam(r, "id"))
	defer sub.Stop()

	stream(h, w, r, sub, func(t *model.Table) any { return t })
}

// StreamActiveBooking handles GET /users/{id}/booking/stream
func (h *TableHandler) StreamActiveBooking(w http.ResponseWriter, r *http.Request) {
	sub := h.live.SubscribeActiveBooking(r.Context(), chi.URLParam(r, "id"))
	defer sub.Stop()

	stream(h, w, r, sub, func(t *model.Table) any { return t })
}

// stream writes every snapshot as a server-sent event until the client goes
// away or the subscription ends. The event id is the snapshot sequence.
func stream[T any](h *TableHandler, w http.ResponseWriter, r *http.Request, sub *liveview.Subscription[T], view func(T) any) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			event, payload := "snapshot", view(snap.Value)
			if snap.Err != nil {
				event, payload = "error", model.ErrorResponse{Error: "snapshot unavailable"}
			}
			data, err := json.Marshal(payload)
			if err != nil {
				h.logger.Error("marshal snapshot", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", snap.Seq, event, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
