// Package openai holds the typed request families of the public API and
// their tolerant parsers. Fields the gateway does not interpret (chat
// messages, vendor extensions) stay raw so they can be forwarded opaquely.
package openai

import "encoding/json"

// ChatRequest is a parsed /chat/completions body. Messages are opaque to
// the gateway; Raw retains the full body for cluster forwarding.
type ChatRequest struct {
	Model            string
	Messages         json.RawMessage
	Stream           bool
	Temperature      float64
	TopP             float64
	MaxTokens        int
	N                int
	Stop             []string
	PresencePenalty  float64
	FrequencyPenalty float64
	Raw              json.RawMessage
}

// ParseChatRequest decodes body into a ChatRequest. Absent fields keep
// their defaults; only malformed JSON is an error.
func ParseChatRequest(body []byte) (ChatRequest, error) {
	req := ChatRequest{Temperature: 1.0, TopP: 1.0, MaxTokens: 2048, N: 1}
	var v struct {
		Model            string          `json:"model"`
		Messages         json.RawMessage `json:"messages"`
		Stream           bool            `json:"stream"`
		Temperature      *float64        `json:"temperature"`
		TopP             *float64        `json:"top_p"`
		MaxTokens        *int            `json:"max_tokens"`
		N                *int            `json:"n"`
		Stop             json.RawMessage `json:"stop"`
		PresencePenalty  float64         `json:"presence_penalty"`
		FrequencyPenalty float64         `json:"frequency_penalty"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return req, err
	}
	req.Model = v.Model
	req.Messages = v.Messages
	req.Stream = v.Stream
	if v.Temperature != nil {
		req.Temperature = *v.Temperature
	}
	if v.TopP != nil {
		req.TopP = *v.TopP
	}
	if v.MaxTokens != nil {
		req.MaxTokens = *v.MaxTokens
	}
	if v.N != nil {
		req.N = *v.N
	}
	req.Stop = stringOrList(v.Stop)
	req.PresencePenalty = v.PresencePenalty
	req.FrequencyPenalty = v.FrequencyPenalty
	req.Raw = append(json.RawMessage(nil), body...)
	return req, nil
}

// EmbeddingRequest is a parsed /embeddings body; a string or string-array
// input is normalized into Inputs.
type EmbeddingRequest struct {
	Model          string
	Inputs         []string
	EncodingFormat string
	Dimensions     int
	Raw            json.RawMessage
}

// ParseEmbeddingRequest decodes body into an EmbeddingRequest.
func ParseEmbeddingRequest(body []byte) (EmbeddingRequest, error) {
	req := EmbeddingRequest{EncodingFormat: "float", Dimensions: -1}
	var v struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
		Dimensions     *int            `json:"dimensions"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return req, err
	}
	req.Model = v.Model
	req.Inputs = stringOrList(v.Input)
	if v.EncodingFormat != "" {
		req.EncodingFormat = v.EncodingFormat
	}
	if v.Dimensions != nil {
		req.Dimensions = *v.Dimensions
	}
	req.Raw = append(json.RawMessage(nil), body...)
	return req, nil
}

// ASRRequest is a parsed multipart /audio/transcriptions request.
type ASRRequest struct {
	Model          string
	Audio          []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    float64
}

// ForwardJSON renders the fields a remote worker needs; the audio payload
// stays on the node that received it.
func (r ASRRequest) ForwardJSON() map[string]interface{} {
	return map[string]interface{}{
		"model":           r.Model,
		"language":        r.Language,
		"prompt":          r.Prompt,
		"response_format": r.ResponseFormat,
		"temperature":     r.Temperature,
	}
}

// ASRFromJSON rebuilds an ASRRequest from a forwarded JSON object.
func ASRFromJSON(body []byte) ASRRequest {
	req := ASRRequest{ResponseFormat: "json"}
	var v struct {
		Model          string  `json:"model"`
		Language       string  `json:"language"`
		Prompt         string  `json:"prompt"`
		ResponseFormat string  `json:"response_format"`
		Temperature    float64 `json:"temperature"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return req
	}
	req.Model = v.Model
	req.Language = v.Language
	req.Prompt = v.Prompt
	if v.ResponseFormat != "" {
		req.ResponseFormat = v.ResponseFormat
	}
	req.Temperature = v.Temperature
	return req
}

// TTSRequest is a parsed /audio/speech body.
type TTSRequest struct {
	Model          string
	Input          string
	Voice          string
	ResponseFormat string
	Speed          float64
	Raw            json.RawMessage
}

// ParseTTSRequest decodes body into a TTSRequest.
func ParseTTSRequest(body []byte) (TTSRequest, error) {
	req := TTSRequest{Voice: "alloy", ResponseFormat: "mp3", Speed: 1.0}
	var v struct {
		Model          string   `json:"model"`
		Input          string   `json:"input"`
		Voice          string   `json:"voice"`
		ResponseFormat string   `json:"response_format"`
		Speed          *float64 `json:"speed"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return req, err
	}
	req.Model = v.Model
	req.Input = v.Input
	if v.Voice != "" {
		req.Voice = v.Voice
	}
	if v.ResponseFormat != "" {
		req.ResponseFormat = v.ResponseFormat
	}
	if v.Speed != nil {
		req.Speed = *v.Speed
	}
	req.Raw = append(json.RawMessage(nil), body...)
	return req, nil
}

// ImageGenRequest is a parsed /images/generations body.
type ImageGenRequest struct {
	Prompt         string
	Model          string
	N              int
	Quality        string
	ResponseFormat string
	Size           string
	Style          string
	Raw            json.RawMessage
}

// ParseImageGenRequest decodes body into an ImageGenRequest.
func ParseImageGenRequest(body []byte) (ImageGenRequest, error) {
	req := ImageGenRequest{Model: "dall-e-2", N: 1, Quality: "standard", ResponseFormat: "url", Size: "1024x1024", Style: "vivid"}
	var v struct {
		Prompt         string `json:"prompt"`
		Model          string `json:"model"`
		N              *int   `json:"n"`
		Quality        string `json:"quality"`
		ResponseFormat string `json:"response_format"`
		Size           string `json:"size"`
		Style          string `json:"style"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return req, err
	}
	req.Prompt = v.Prompt
	if v.Model != "" {
		req.Model = v.Model
	}
	if v.N != nil {
		req.N = *v.N
	}
	if v.Quality != "" {
		req.Quality = v.Quality
	}
	if v.ResponseFormat != "" {
		req.ResponseFormat = v.ResponseFormat
	}
	if v.Size != "" {
		req.Size = v.Size
	}
	if v.Style != "" {
		req.Style = v.Style
	}
	req.Raw = append(json.RawMessage(nil), body...)
	return req, nil
}

// stringOrList accepts a JSON string or array of strings and returns the
// values in order. Anything else yields nil.
func stringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
