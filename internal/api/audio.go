package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gaspardpetit/oaigate/internal/encoder"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// maxAudioUpload bounds multipart form memory for transcription uploads.
const maxAudioUpload = 32 << 20

// handleTranscriptions serves /audio/transcriptions and, with identical
// semantics, /audio/translations.
func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot(w, r) {
		metrics.RecordRequest("asr", "rate_limited")
		return
	}
	defer s.releaseSlot()

	req, perr := parseASRMultipart(r)
	if perr != "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest(perr))
		metrics.RecordRequest("asr", "invalid")
		return
	}
	if !s.router.HasASRModel(req.Model) {
		rejectUnknownModel(w, req.Model, s.router.ListASRModels())
		metrics.RecordRequest("asr", "unknown_model")
		return
	}

	q := stream.NewQueue(s.defaultTimeout)
	if !s.router.RouteASR(req, q) {
		writeJSONError(w, http.StatusInternalServerError, encoder.ServerError("Failed to route request"))
		metrics.RecordRequest("asr", "error")
		return
	}
	c, ok := drainFirst(w, q, s.defaultTimeout)
	q.Disconnect()
	if !ok {
		metrics.RecordRequest("asr", "error")
		return
	}

	switch req.ResponseFormat {
	case "text":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte((encoder.ASRText{}).Encode(c)))
	case "verbose_json":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte((encoder.ASRVerboseJSON{}).Encode(c)))
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte((encoder.ASRJSON{}).Encode(c)))
	}
	metrics.RecordRequest("asr", "ok")
}

// parseASRMultipart extracts the model field, the audio blob, and the
// optional tuning fields from a multipart form. It returns a non-empty
// message on validation failure.
func parseASRMultipart(r *http.Request) (openai.ASRRequest, string) {
	req := openai.ASRRequest{ResponseFormat: "json"}
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		return req, "Invalid multipart form"
	}
	req.Model = r.FormValue("model")
	if req.Model == "" {
		return req, "Missing 'model' field"
	}
	req.Language = r.FormValue("language")
	req.Prompt = r.FormValue("prompt")
	if v := r.FormValue("response_format"); v != "" {
		req.ResponseFormat = v
	}
	if v := r.FormValue("temperature"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			req.Temperature = f
		}
	}
	if file, hdr, err := r.FormFile("file"); err == nil {
		defer func() { _ = file.Close() }()
		data, rerr := io.ReadAll(file)
		if rerr != nil {
			return req, "Failed to read audio file"
		}
		req.Audio = data
		req.Filename = hdr.Filename
	}
	return req, ""
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot(w, r) {
		metrics.RecordRequest("tts", "rate_limited")
		return
	}
	defer s.releaseSlot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Failed to read request body"))
		return
	}
	req, err := openai.ParseTTSRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Invalid JSON"))
		metrics.RecordRequest("tts", "invalid")
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'model' field"))
		metrics.RecordRequest("tts", "invalid")
		return
	}
	if req.Input == "" {
		writeJSONError(w, http.StatusBadRequest, encoder.InvalidRequest("Missing 'input' field"))
		metrics.RecordRequest("tts", "invalid")
		return
	}
	if !s.router.HasTTSModel(req.Model) {
		rejectUnknownModel(w, req.Model, s.router.ListTTSModels())
		metrics.RecordRequest("tts", "unknown_model")
		return
	}

	q := stream.NewQueue(s.defaultTimeout)
	if !s.router.RouteTTS(req, q) {
		writeJSONError(w, http.StatusInternalServerError, encoder.ServerError("Failed to route request"))
		metrics.RecordRequest("tts", "error")
		return
	}
	c, ok := drainFirst(w, q, s.defaultTimeout)
	q.Disconnect()
	if !ok {
		metrics.RecordRequest("tts", "error")
		return
	}
	w.Header().Set("Content-Type", (encoder.TTSBinary{}).MIMEType(c))
	if _, err := w.Write(c.Bytes); err != nil {
		logx.Log.Error().Err(err).Msg("write audio")
	}
	metrics.RecordRequest("tts", "ok")
}
