package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

func (s *Server) handleStreamConversionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetConversion(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversion for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get conversion")
		return
	}

	setSSEHeaders(w)

	// If already in a terminal state, return empty stream immediately.
	if model.IsTerminal(c.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Subscribe on a closed topic returns a closed channel, so a conversion
	// finishing after the status check ends the stream at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	s.streamSSE(w, r, ch)
}

func (s *Server) handleStreamWorkerLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found := false
	for _, wi := range s.pool.Stats().Workers {
		if wi.ID == id {
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	setSSEHeaders(w)

	// Recent output is replayed first; the stream stays open until the
	// client disconnects.
	ch, unsub := s.engine.WorkerLogs().Subscribe(id)
	defer unsub()

	s.streamSSE(w, r, ch)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// streamSSE relays lines from ch until it closes or the client goes away.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan string) {
	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // client gone
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
