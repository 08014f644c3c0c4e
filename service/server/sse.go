package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/pypay/service/metrics"
	natspkg "github.com/brojonat/pypay/service/nats"
	"github.com/google/uuid"
)

// TransitionSource yields raw transition event payloads for a NATS subject
// filter until ctx is done.
type TransitionSource interface {
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
}

var sseKeepalive = 15 * time.Second

// transferFilter returns the subject filter for an optional session id.
func transferFilter(sessionID string) (string, error) {
	if sessionID == "" {
		return natspkg.TransferSubjects, nil
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return "", fmt.Errorf("invalid session_id: %w", err)
	}
	return natspkg.TransferSubject(id.String()), nil
}

func writeEvent(w io.Writer, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleStreamTransfers streams transition events as SSE.
// GET /api/v1/stream/transfers?session_id={id}
//
// Without session_id every session is streamed until the client leaves. With
// one, the stream ends after that session's terminal event. Streams also end
// when shutdown is cancelled.
func handleStreamTransfers(shutdown context.Context, source TransitionSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		subject, err := transferFilter(sessionID)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(shutdown, cancel)
		defer stop()

		events, err := source.Subscribe(ctx, subject)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to transitions", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}
		connected, _ := json.Marshal(map[string]string{"subject": subject})
		writeEvent(w, "connected", connected)
		logger.DebugContext(ctx, "SSE client connected", "subject", subject, "remote_addr", r.RemoteAddr)

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.DebugContext(r.Context(), "SSE stream closed", "subject", subject)
				return

			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}

			case data := <-events:
				var event natspkg.TransitionEvent
				if err := json.Unmarshal(data, &event); err != nil {
					logger.WarnContext(ctx, "dropping malformed transition event", "error", err)
					continue
				}
				name := "transition"
				if event.Terminal {
					name = "terminal"
				}
				writeEvent(w, name, data)
				if m != nil {
					m.RecordSSEEventSent(name)
				}
				if sessionID != "" && event.Terminal {
					return
				}
			}
		}
	})
}
