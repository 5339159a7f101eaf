// Package sse provides a thin, typed helper over Server-Sent Events,
// grounded on handlers.RouteModelStream's header+flush discipline but
// generalized to a reusable Writer instead of being inlined per endpoint.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer streams named SSE events to an http.ResponseWriter, flushing after
// every frame so the client sees progress in real time.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// New prepares w for SSE: sets the required headers and returns a Writer,
// or an error if the underlying ResponseWriter can't flush.
func New(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one named SSE frame with a JSON-encoded payload.
func (s *Writer) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done sends a terminal "done" event, the convention every streaming
// endpoint here uses to signal clean completion.
func (s *Writer) Done() error {
	return s.Send("done", map[string]bool{"done": true})
}

// Error sends a terminal "error" event carrying the failure message.
func (s *Writer) Error(err error) error {
	return s.Send("error", map[string]string{"error": err.Error()})
}
