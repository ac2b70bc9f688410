package stream

import (
	"net/http"

	"github.com/zjrosen/sessionscope/internal/log"
)

// ServeHTTP streams the subscriber's messages as server-sent events. The
// optional sessionId query parameter narrows the subscription. Any write
// failure or client disconnect tears the subscription down.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.Subscribe(r.URL.Query().Get("sessionId"))
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case msg := <-sub.Messages():
			frame, err := EncodeSSE(msg)
			if err != nil {
				log.ErrorErr(log.CatStream, "encode frame failed", err, "clientId", sub.ID, "kind", msg.Kind)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				log.Debug(log.CatStream, "write failed, dropping subscriber", "clientId", sub.ID)
				return
			}
			flusher.Flush()
		}
	}
}
