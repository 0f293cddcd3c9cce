package encoder

import (
	"encoding/json"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

// ASRJSON encodes a transcription result as the Whisper {"text": …} body.
type ASRJSON struct{}

func (ASRJSON) Encode(c stream.Chunk) string {
	b, _ := json.Marshal(map[string]string{"text": c.Text})
	return string(b)
}

func (ASRJSON) DoneMarker() string { return "" }

// ASRText encodes a transcription result as plain text.
type ASRText struct{}

func (ASRText) Encode(c stream.Chunk) string { return c.Text }

func (ASRText) DoneMarker() string { return "" }

// ASRVerboseJSON encodes the detailed Whisper response shape. Language,
// duration, and segments are taken from the chunk's object when the
// handler provided them.
type ASRVerboseJSON struct{}

func (ASRVerboseJSON) Encode(c stream.Chunk) string {
	language := ""
	duration := 0.0
	segments := []interface{}{}
	if c.Object != nil {
		if v, ok := c.Object["language"].(string); ok {
			language = v
		}
		if v, ok := c.Object["duration"].(float64); ok {
			duration = v
		}
		if v, ok := c.Object["segments"].([]interface{}); ok {
			segments = v
		}
	}
	b, _ := json.Marshal(map[string]interface{}{
		"task":     "transcribe",
		"language": language,
		"duration": duration,
		"text":     c.Text,
		"segments": segments,
	})
	return string(b)
}

func (ASRVerboseJSON) DoneMarker() string { return "" }

// TTSBinary passes synthesized audio bytes through unencoded; the HTTP
// layer writes Bytes directly with the reported MIME type.
type TTSBinary struct{}

func (TTSBinary) Encode(stream.Chunk) string { return "" }

func (TTSBinary) DoneMarker() string { return "" }

// MIMEType returns the audio MIME type, defaulting to audio/mpeg.
func (TTSBinary) MIMEType(c stream.Chunk) string {
	if c.MIMEType == "" {
		return "audio/mpeg"
	}
	return c.MIMEType
}
