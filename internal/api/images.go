package api

import (
	"io"
	"net/http"

	"github.com/gaspardpetit/oaigate/internal/encoder"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot(w, r) {
		metrics.RecordRequest("image", "rate_limited")
		return
	}
	defer s.releaseSlot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Failed to read request body"))
		return
	}
	req, err := openai.ParseImageGenRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Invalid JSON"))
		metrics.RecordRequest("image", "invalid")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'prompt' field"))
		metrics.RecordRequest("image", "invalid")
		return
	}
	if !s.router.HasImageGenModel(req.Model) {
		rejectUnknownModel(w, req.Model, s.router.ListImageGenModels())
		metrics.RecordRequest("image", "unknown_model")
		return
	}

	q := stream.NewQueue(s.defaultTimeout)
	if !s.router.RouteImageGen(req, q) {
		writeJSONError(w, http.StatusInternalServerError, encoder.ServerError("Failed to route request"))
		metrics.RecordRequest("image", "error")
		return
	}
	c, ok := drainFirst(w, q, s.defaultTimeout)
	q.Disconnect()
	if !ok {
		metrics.RecordRequest("image", "error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte((encoder.ImagesJSON{}).Encode(c))); err != nil {
		logx.Log.Error().Err(err).Msg("write image response")
	}
	metrics.RecordRequest("image", "ok")
}
