package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coldchain/internal/monitor"
)

// heartbeatEvery is how often idle streams get a heartbeat.
var heartbeatEvery = 15 * time.Second

// StreamHandler handles GET /v1/stream?channel=fleet as server-sent events.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = monitor.ChannelFleet
	}
	if !validChannel(channel) {
		writeProblem(w, http.StatusBadRequest, "Invalid channel", "channel must be fleet, alerts, emergency or vehicle:<id>", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.Monitor.Broker.Subscribe(channel)
	defer sub.Close()

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"channel\":%q,\"ts\":%q}\n\n", channel, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
