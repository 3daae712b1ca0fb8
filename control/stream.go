package control

import (
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// StreamStatus serves the job's status channel over SSE. The stored
// last-status snapshot is emitted first so a late subscriber immediately
// sees the current state; live events follow until the client disconnects.
func (s *Server) StreamStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before reading the snapshot so nothing published in between
	// is dropped.
	sub := s.bus.SubscribeStatus(ctx, job.ID)
	defer sub.Close()

	if snap, err := s.bus.LastStatus(ctx, job.ID); err != nil {
		s.log.Warnw("load status snapshot failed", "job", job.ID, "error", err)
	} else if snap != nil {
		writeSSE(w, snap)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Debugw("status stream closed by client", "job", job.ID)
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, []byte(msg.Payload))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, data []byte) {
	fmt.Fprintf(w, "data: %s\n\n", data)
}
