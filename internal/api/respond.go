package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/oaigate/internal/encoder"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// acquireSlot claims a concurrency slot or answers 429. Callers must defer
// releaseSlot when it returns true.
func (s *Server) acquireSlot(w http.ResponseWriter, r *http.Request) bool {
	if !s.slots.Acquire(r.Context()) {
		writeJSONError(w, http.StatusTooManyRequests, encoder.RateLimit())
		return false
	}
	metrics.RequestStart()
	return true
}

func (s *Server) releaseSlot() {
	metrics.RequestEnd()
	s.slots.Release()
}

// rejectUnknownModel answers 400 naming the family's available models.
func rejectUnknownModel(w http.ResponseWriter, model string, available []string) {
	msg := "Model '" + model + "' is not available"
	if len(available) > 0 {
		msg += ". Available models: " + strings.Join(available, ", ")
	}
	writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest(msg))
}

// drainFirst waits up to the request timeout for the first chunk and maps
// the empty and error outcomes to their HTTP statuses. It returns false
// when it has already written the error response.
func drainFirst(w http.ResponseWriter, q *stream.Queue, timeout time.Duration) (stream.Chunk, bool) {
	c, ok := q.WaitPopFor(timeout)
	if !ok {
		writeJSONError(w, http.StatusGatewayTimeout, encoder.ServerError("Request timeout"))
		return stream.Chunk{}, false
	}
	if c.IsError() {
		writeJSONError(w, http.StatusBadRequest, encoder.EncodeError(c.ErrCode, c.ErrMessage))
		return stream.Chunk{}, false
	}
	return c, true
}
