package encoder

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

func TestChatSSEDeltaRoundTrip(t *testing.T) {
	frame := ChatSSE{}.Encode(stream.TextDelta("Hello", "gpt-4"))
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("bad frame shape: %q", frame)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var v struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Object != "chat.completion.chunk" {
		t.Fatalf("object %q", v.Object)
	}
	if !strings.HasPrefix(v.ID, "chatcmpl-") || len(v.ID) != len("chatcmpl-")+24 {
		t.Fatalf("bad id %q", v.ID)
	}
	if v.Model != "gpt-4" {
		t.Fatalf("model %q", v.Model)
	}
	if len(v.Choices) != 1 || v.Choices[0].Delta.Content != "Hello" || v.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("choices %+v", v.Choices)
	}
	if v.Choices[0].FinishReason != nil {
		t.Fatalf("delta frame should carry null finish_reason")
	}
}

func TestChatSSEFinalFrame(t *testing.T) {
	frame := ChatSSE{}.Encode(stream.FinalText("Hello World", "gpt-4"))
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var v struct {
		Choices []struct {
			Delta        map[string]interface{} `json:"delta"`
			FinishReason *string                `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(v.Choices) != 1 || len(v.Choices[0].Delta) != 0 {
		t.Fatalf("final frame must carry an empty delta: %+v", v.Choices)
	}
	if v.Choices[0].FinishReason == nil || *v.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason %+v", v.Choices[0].FinishReason)
	}
}

func TestChatSSEEndAndDoneMarker(t *testing.T) {
	if got := (ChatSSE{}).Encode(stream.EndMarker()); got != "data: [DONE]\n\n" {
		t.Fatalf("end frame %q", got)
	}
	if got := (ChatSSE{}).DoneMarker(); got != "data: [DONE]\n\n" {
		t.Fatalf("done marker %q", got)
	}
	if got := (ChatJSON{}).DoneMarker(); got != "" {
		t.Fatalf("JSON encoder should have no done marker")
	}
}

func TestChatJSONEnvelope(t *testing.T) {
	out := ChatJSON{}.Encode(stream.FinalText("hi there", "my-model"))
	var v struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Object != "chat.completion" || v.Model != "my-model" {
		t.Fatalf("envelope %+v", v)
	}
	if len(v.Choices) != 1 || v.Choices[0].Message.Content != "hi there" || v.Choices[0].FinishReason != "stop" {
		t.Fatalf("choices %+v", v.Choices)
	}
	if v.Usage.TotalTokens != 0 {
		t.Fatalf("usage should be zero-valued")
	}
}

func TestEmbeddingsBatchOrderAndIndices(t *testing.T) {
	vecs := [][]float32{{1, 2}, {3, 4}, {5, 6}}
	out := EmbeddingsJSON{}.Encode(stream.BatchEmbeddings(vecs, "embed-model"))
	var v struct {
		Object string `json:"object"`
		Data   []struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Object != "list" || v.Model != "embed-model" {
		t.Fatalf("envelope %+v", v)
	}
	if len(v.Data) != len(vecs) {
		t.Fatalf("want %d items, got %d", len(vecs), len(v.Data))
	}
	for i, item := range v.Data {
		if item.Index != i || item.Object != "embedding" {
			t.Fatalf("item %d: %+v", i, item)
		}
		if item.Embedding[0] != vecs[i][0] {
			t.Fatalf("item %d out of order", i)
		}
	}
}

func TestEmbeddingsSingle(t *testing.T) {
	out := EmbeddingsJSON{}.Encode(stream.SingleEmbedding([]float32{0.5}, "", 3))
	var v struct {
		Data []struct {
			Index int `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(v.Data) != 1 || v.Data[0].Index != 3 {
		t.Fatalf("data %+v", v.Data)
	}
	if v.Model != "text-embedding-ada-002" {
		t.Fatalf("default model %q", v.Model)
	}
}

func TestASREncoders(t *testing.T) {
	c := stream.FinalText("hello world", "whisper-1")
	if out := (ASRJSON{}).Encode(c); out != `{"text":"hello world"}` {
		t.Fatalf("asr json %q", out)
	}
	if out := (ASRText{}).Encode(c); out != "hello world" {
		t.Fatalf("asr text %q", out)
	}
	verbose := c
	verbose.Object = map[string]interface{}{"language": "en", "duration": 1.5}
	var v struct {
		Task     string  `json:"task"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
		Text     string  `json:"text"`
	}
	if err := json.Unmarshal([]byte((ASRVerboseJSON{}).Encode(verbose)), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Task != "transcribe" || v.Language != "en" || v.Duration != 1.5 || v.Text != "hello world" {
		t.Fatalf("verbose %+v", v)
	}
}

func TestTTSBinaryMIME(t *testing.T) {
	enc := TTSBinary{}
	if got := enc.MIMEType(stream.AudioData([]byte{1}, "", "tts-1")); got != "audio/mpeg" {
		t.Fatalf("default mime %q", got)
	}
	if got := enc.MIMEType(stream.AudioData([]byte{1}, "audio/wav", "tts-1")); got != "audio/wav" {
		t.Fatalf("mime %q", got)
	}
}

func TestImagesJSONBase64(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	out := ImagesJSON{}.Encode(stream.ImageData(raw, "image/png", "dall-e-2"))
	var v struct {
		Created int64 `json:"created"`
		Data    []struct {
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(v.Data) != 1 || v.Data[0].B64JSON != base64.StdEncoding.EncodeToString(raw) {
		t.Fatalf("data %+v", v.Data)
	}
}

func TestImagesJSONURLPassThrough(t *testing.T) {
	obj := map[string]interface{}{"created": float64(1), "data": []interface{}{map[string]interface{}{"url": "http://x/y.png"}}}
	out := ImagesJSON{}.Encode(stream.JSONObject(obj, "dall-e-2"))
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := v["data"].([]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("pass-through lost data: %v", v)
	}
}

func TestErrorBodies(t *testing.T) {
	var v struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(InvalidRequest("bad json")), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Error.Type != "invalid_request_error" || v.Error.Code != "invalid_request_error" || v.Error.Message != "bad json" {
		t.Fatalf("body %+v", v)
	}
	if err := json.Unmarshal([]byte(RateLimit()), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Error.Type != "rate_limit_exceeded" {
		t.Fatalf("body %+v", v)
	}
}
