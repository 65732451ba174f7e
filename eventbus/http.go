package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// LongPollTimeout bounds how long GET /events blocks waiting for a new
// event before returning an empty batch.
const LongPollTimeout = 25 * time.Second

// Router builds the minimal HTTP surface external collaborators can poll
// instead of holding an MCP/stdio connection open (§11's chi+cors binding).
// GET /events?since=<seq> replays buffered history and, if nothing new is
// buffered, blocks briefly for the next live event.
func (b *Bus) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Default().Handler)

	r.Get("/events", b.handleEvents)
	return r
}

func (b *Bus) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := uint64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			since = v
		}
	}

	if buffered := b.Since(since); len(buffered) > 0 {
		writeEvents(w, buffered)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), LongPollTimeout)
	defer cancel()

	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	select {
	case ev, ok := <-sub.Events:
		if !ok {
			writeEvents(w, nil)
			return
		}
		writeEvents(w, []Event{ev})
	case <-ctx.Done():
		writeEvents(w, nil)
	}
}

func writeEvents(w http.ResponseWriter, events []Event) {
	w.Header().Set("Content-Type", "application/json")
	if events == nil {
		events = []Event{}
	}
	_ = json.NewEncoder(w).Encode(events)
}
