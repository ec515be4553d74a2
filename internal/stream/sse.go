package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// DefaultHeartbeatInterval keeps idle SSE connections open through proxies.
const DefaultHeartbeatInterval = 15 * time.Second

// LastEventID parses the SSE resume header. Invalid values mean "from the
// beginning".
func LastEventID(r *http.Request) int64 {
	seq, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// WriteSSE writes the frames of sub as "data: <json>" server-sent events until the
// subscription ends or ctx is done. Log entries carry their seq as event id
// so clients can resume with Last-Event-ID.
func WriteSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, frame); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, frame v1.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	// Frames are unnamed so EventSource.onmessage receives them; the type
	// travels inside the JSON.
	if frame.Seq > 0 {
		_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", frame.Seq, data)
	} else {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	}
	return err
}
