package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gaspardpetit/oaigate/internal/encoder"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// streamPollInterval is the short wait used while draining a streaming
// response, keeping end-of-stream latency low without busy-waiting.
const streamPollInterval = 10 * time.Millisecond

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot(w, r) {
		metrics.RecordRequest("chat", "rate_limited")
		return
	}
	defer s.releaseSlot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Failed to read request body"))
		return
	}
	req, err := openai.ParseChatRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Invalid JSON: "+err.Error()))
		metrics.RecordRequest("chat", "invalid")
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'model' field"))
		metrics.RecordRequest("chat", "invalid")
		return
	}
	if !s.router.HasChatModel(req.Model) {
		rejectUnknownModel(w, req.Model, s.router.ListChatModels())
		metrics.RecordRequest("chat", "unknown_model")
		return
	}

	q := stream.NewQueue(s.defaultTimeout)
	if !s.router.RouteChat(req, q) {
		writeJSONError(w, http.StatusInternalServerError, encoder.ServerError("Failed to route request"))
		metrics.RecordRequest("chat", "error")
		return
	}

	if req.Stream {
		s.streamChat(w, r, q)
		metrics.RecordRequest("chat", "ok")
		return
	}

	c, ok := drainFirst(w, q, s.defaultTimeout)
	if !ok {
		q.Disconnect()
		metrics.RecordRequest("chat", "error")
		return
	}
	q.Disconnect()
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte((encoder.ChatJSON{}).Encode(c))); err != nil {
		logx.Log.Error().Err(err).Msg("write chat completion")
	}
	metrics.RecordRequest("chat", "ok")
}

// streamChat drains the queue as server-sent events. The loop stops on the
// overall request timeout, on queue termination, or on the End chunk, each
// of which emits the done marker last. A vanished client or a failed write
// ends the loop without the done marker; the queue is then marked
// disconnected so the producer stops early.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, q *stream.Queue) {
	enc := encoder.ChatSSE{}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeFrame := func(frame string) bool {
		if frame == "" {
			return true
		}
		if _, err := w.Write([]byte(frame)); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	defer q.Disconnect()
	deadline := time.Now().Add(s.defaultTimeout)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if time.Now().After(deadline) {
			writeFrame(enc.DoneMarker())
			return
		}
		if q.Ended() {
			writeFrame(enc.DoneMarker())
			return
		}
		c, ok := q.WaitPopFor(streamPollInterval)
		if !ok {
			continue
		}
		if c.IsEnd() {
			writeFrame(enc.DoneMarker())
			return
		}
		if !writeFrame(enc.Encode(c)) {
			return
		}
	}
}
