package relay

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams lifecycle events as SSE.
// Clients may filter kinds via ?kinds=browser.created,popup.step.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		kindFilter := parseKinds(r.URL.Query().Get("kinds"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !kindFilter.match(evt.Kind) {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// kindSet is nil when every kind is accepted. A trailing ".*" accepts a
// whole family, e.g. "popup.*".
type kindSet map[string]bool

func parseKinds(q string) kindSet {
	if q == "" {
		return nil
	}
	set := make(kindSet)
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}
	return set
}

func (s kindSet) match(kind string) bool {
	if s == nil || s[kind] {
		return true
	}
	if i := strings.IndexByte(kind, '.'); i > 0 {
		return s[kind[:i]+".*"]
	}
	return false
}
