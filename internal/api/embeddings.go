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

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot(w, r) {
		metrics.RecordRequest("embedding", "rate_limited")
		return
	}
	defer s.releaseSlot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Failed to read request body"))
		return
	}
	req, err := openai.ParseEmbeddingRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Invalid JSON"))
		metrics.RecordRequest("embedding", "invalid")
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'model' field"))
		metrics.RecordRequest("embedding", "invalid")
		return
	}
	if len(req.Inputs) == 0 {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'input' field"))
		metrics.RecordRequest("embedding", "invalid")
		return
	}
	if !s.router.HasEmbeddingModel(req.Model) {
		rejectUnknownModel(w, req.Model, s.router.ListEmbeddingModels())
		metrics.RecordRequest("embedding", "unknown_model")
		return
	}

	q := stream.NewQueue(s.defaultTimeout)
	if !s.router.RouteEmbedding(req, q) {
		writeJSONError(w, http.StatusInternalServerError, encoder.ServerError("Failed to route request"))
		metrics.RecordRequest("embedding", "error")
		return
	}
	c, ok := drainFirst(w, q, s.defaultTimeout)
	q.Disconnect()
	if !ok {
		metrics.RecordRequest("embedding", "error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte((encoder.EmbeddingsJSON{}).Encode(c))); err != nil {
		logx.Log.Error().Err(err).Msg("write embeddings")
	}
	metrics.RecordRequest("embedding", "ok")
}
