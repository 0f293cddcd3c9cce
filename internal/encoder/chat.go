package encoder

import (
	"encoding/json"
	"time"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

const sseDoneMarker = "data: [DONE]\n\n"

type chatDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type chatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatChunkBody struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

// ChatSSE encodes chat chunks as OpenAI server-sent-event frames, one
// frame per call. The end marker is the literal "data: [DONE]".
type ChatSSE struct{}

func (ChatSSE) Encode(c stream.Chunk) string {
	switch c.Kind {
	case stream.KindTextDelta:
		return sseFrame(chatChunkFrame(c, false))
	case stream.KindFinalText:
		return sseFrame(chatChunkFrame(c, true))
	case stream.KindError:
		b, _ := json.Marshal(map[string]interface{}{
			"error": map[string]interface{}{
				"message": c.ErrMessage,
				"type":    c.ErrCode,
			},
		})
		return "data: " + string(b) + "\n\n"
	case stream.KindEnd:
		return sseDoneMarker
	default:
		return ""
	}
}

func (ChatSSE) DoneMarker() string { return sseDoneMarker }

func sseFrame(body chatChunkBody) string {
	b, _ := json.Marshal(body)
	return "data: " + string(b) + "\n\n"
}

func chatChunkFrame(c stream.Chunk, final bool) chatChunkBody {
	body := chatChunkBody{
		ID:      chunkID(c),
		Object:  "chat.completion.chunk",
		Created: chunkCreated(c),
		Model:   chunkModel(c, "gpt-4"),
	}
	choice := chatChunkChoice{Index: c.Index}
	if final {
		reason := "stop"
		choice.FinishReason = &reason
	} else {
		text := c.Text
		choice.Delta = chatDelta{Role: "assistant", Content: &text}
	}
	body.Choices = []chatChunkChoice{choice}
	return body
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionBody struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

// ChatJSON encodes the final chat chunk as a single chat.completion
// envelope with a stubbed usage block.
type ChatJSON struct{}

func (ChatJSON) Encode(c stream.Chunk) string {
	body := chatCompletionBody{
		ID:      chunkID(c),
		Object:  "chat.completion",
		Created: chunkCreated(c),
		Model:   chunkModel(c, "gpt-4"),
		Choices: []chatChoice{{
			Index:        c.Index,
			Message:      chatMessage{Role: "assistant", Content: c.Text},
			FinishReason: "stop",
		}},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func (ChatJSON) DoneMarker() string { return "" }

func chunkID(c stream.Chunk) string {
	if c.ID != "" {
		return c.ID
	}
	return newID("chatcmpl")
}

func chunkCreated(c stream.Chunk) int64 {
	if c.Created != 0 {
		return c.Created
	}
	return time.Now().Unix()
}

func chunkModel(c stream.Chunk, fallback string) string {
	if c.Model != "" {
		return c.Model
	}
	return fallback
}
