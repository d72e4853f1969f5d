package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/model"
)

// handleEvents streams domain events as Server-Sent Events until the client
// goes away. ?case_id= and ?type= (comma-separated) narrow the stream.
// Events published while the client's buffer is full are lost.
func handleEvents(bus *eventbus.Bus, cfg config.EventsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, r, model.NewInternalError())
			return
		}

		caseID := r.URL.Query().Get("case_id")
		types := make(map[string]bool)
		for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				types[t] = true
			}
		}

		id, events := bus.Subscribe(cfg.BufferSize)
		defer bus.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := cfg.Heartbeat
		if heartbeat <= 0 {
			heartbeat = 15 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				if caseID != "" && ev.CaseID != caseID {
					continue
				}
				if len(types) > 0 && !types[ev.Type] {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
				flusher.Flush()
			}
		}
	}
}
