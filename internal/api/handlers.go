package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/events"
	"clone-bench/internal/logging"
	"clone-bench/internal/status"
)

const defaultPingInterval = 15 * time.Second

// Subscriber is the read side of the run event transport.
type Subscriber interface {
	Subscribe(channel string) (<-chan events.Message, func())
}

type Server struct {
	events       Subscriber
	store        status.Store
	pingInterval time.Duration
}

func NewServer(subscriber Subscriber, store status.Store) *Server {
	return &Server{events: subscriber, store: store, pingInterval: defaultPingInterval}
}

// Handler routes:
//
//	GET  /events/{channel}  run_progress, run_logs or run_heartbeats as SSE
//	GET  /status            status snapshot
//	POST /abort             request an abort of the running run
//	GET  /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/{channel}", s.handleEvents)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /abort", s.handleAbort)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return withRequestLog(mux)
}

func knownChannel(channel string) bool {
	switch channel {
	case events.ChannelProgress, events.ChannelLogs, events.ChannelHeartbeats:
		return true
	}
	return false
}

// writeSSE writes one event. data is sent as is, payloads on the run
// channels are JSON already.
func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.PathValue("channel"))
	if !knownChannel(channel) {
		writeError(w, http.StatusNotFound, "unknown_channel")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	msgs, cancel := s.events.Subscribe(channel)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeSSE(w, "ready", []byte(fmt.Sprintf(`{"channel":%q}`, channel))); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeSSE(w, msg.Channel, msg.Data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := status.Read(s.store)
	if err != nil {
		logging.GetLogger().WithError(err).Warn("Failed to read status store")
		writeError(w, http.StatusInternalServerError, "status_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	snap, err := status.Read(s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_unavailable")
		return
	}
	if !snap.Executing() {
		writeError(w, http.StatusConflict, "no_active_run")
		return
	}
	if err := abort.RequestAbort(s.store); err != nil {
		logging.GetLogger().WithError(err).Error("Failed to request abort")
		writeError(w, http.StatusInternalServerError, "abort_failed")
		return
	}
	logging.GetLogger().WithField("run_id", snap.RunID).Warn("Abort requested through the observer API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort_requested", "run_id": snap.RunID})
}
