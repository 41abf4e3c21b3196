package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// EventReader reads the mirrored event log. *nats.StreamManager satisfies it.
type EventReader interface {
	ReadEvents(ctx context.Context, afterSequence uint64, limit int) ([]model.LoggedEvent, uint64, bool, error)
}

// StreamHandler streams the event log over SSE.
type StreamHandler struct {
	reader    EventReader
	logger    *logger.Logger
	batchSize int
	poll      time.Duration
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(reader EventReader, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		reader:    reader,
		logger:    log,
		batchSize: 50,
		poll:      time.Second,
		heartbeat: 30 * time.Second,
	}
}

// ReplayCompleteEvent marks the end of the replayed backlog.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// Stream handles GET /api/v1/events/stream
// Supports ?after_sequence=N for resuming from a specific point
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_sequence must be a non-negative integer")
			return
		}
		afterSequence = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]uint64{"after_sequence": afterSequence})

	last, replayed, err := h.drain(ctx, w, flusher, afterSequence)
	if err != nil {
		h.logger.Error("failed to replay events", zap.Uint64("after_sequence", afterSequence), zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "replay_error",
			Message: "Failed to replay events",
		})
		return
	}
	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: last,
		EventCount:   replayed,
	})
	h.logger.Debug("event replay complete", zap.Int("events_replayed", replayed), zap.Uint64("last_sequence", last))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(h.poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.Uint64("last_sequence", last))
			return
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now().UTC()})
		case <-poll.C:
			next, _, err := h.drain(ctx, w, flusher, last)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("event stream poll failed", zap.Error(err))
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code:       "stream_error",
					Message:    "Failed to read events",
					RetryAfter: int(h.poll / time.Second),
				})
				continue
			}
			last = next
		}
	}
}

// drain sends every event after seq and returns the last sequence seen.
func (h *StreamHandler) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, seq uint64) (uint64, int, error) {
	sent := 0
	for {
		events, last, more, err := h.reader.ReadEvents(ctx, seq, h.batchSize)
		if err != nil {
			return seq, sent, err
		}
		for _, e := range events {
			if ctx.Err() != nil {
				return seq, sent, nil
			}
			sendSSEEvent(w, flusher, "event", e)
			sent++
		}
		seq = last
		if !more {
			return seq, sent, nil
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
