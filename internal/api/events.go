package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/engine"
)

// HandleRunEvents streams a run's progress as Server-Sent Events: an initial
// state snapshot, then step, log and transition events as they happen, with
// comment-line keepalives while the stream is silent.
//
// Clients that do not accept text/event-stream get a one-shot JSON snapshot
// instead, as a polling fallback.
//
// GET /api/v1/runs/{runID}/events
func (s *Server) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.serveRunSnapshot(w, r, runID)
		return
	}

	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent event streams", "RATE_LIMITED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, "streaming not supported", "UNSUPPORTED", http.StatusInternalServerError)
		return
	}

	sub, err := s.Engine.Subscribe(r.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		case errors.Is(err, broadcast.ErrTooManySubscribers):
			errorJSON(w, "too many subscribers for this run", "RATE_LIMITED", http.StatusTooManyRequests)
		default:
			internalError(w, "failed to subscribe", err)
		}
		return
	}
	defer s.Engine.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deadline := time.NewTimer(MaxSSEDurationSeconds * time.Second)
	defer deadline.Stop()

	logger := LoggerFromContext(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			fmt.Fprint(w, "event: timeout\ndata: {}\n\n")
			flusher.Flush()
			return
		case ev, open := <-sub.C:
			if !open {
				// Subscriber dropped (slow consumer) or broadcaster drained.
				return
			}
			if ev.Type == broadcast.EventHeartbeat {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				logger.Error("failed to marshal stream event", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// serveRunSnapshot returns the run state and logs as plain JSON.
func (s *Server) serveRunSnapshot(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	run, err := s.Store.GetRun(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, broadcast.StatePayload{
			Status:      run.Status,
			Progress:    run.Progress,
			CurrentStep: run.CurrentStep,
			Logs:        run.Logs,
		})
	case errors.Is(err, engine.ErrNotFound):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	default:
		internalError(w, "failed to load run", err)
	}
}
