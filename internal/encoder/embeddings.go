package encoder

import (
	"encoding/json"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingsBody struct {
	Object string          `json:"object"`
	Data   []embeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbeddingsJSON encodes a single vector or a batch as the OpenAI
// embeddings list envelope. Batch items keep push order with indices 0…K−1.
type EmbeddingsJSON struct{}

func (EmbeddingsJSON) Encode(c stream.Chunk) string {
	body := embeddingsBody{
		Object: "list",
		Data:   []embeddingItem{},
		Model:  chunkModel(c, "text-embedding-ada-002"),
	}
	switch c.Kind {
	case stream.KindEmbedding:
		body.Data = append(body.Data, embeddingItem{Object: "embedding", Index: c.Index, Embedding: c.Embedding})
	case stream.KindEmbeddings:
		for i, emb := range c.Embeddings {
			body.Data = append(body.Data, embeddingItem{Object: "embedding", Index: i, Embedding: emb})
		}
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func (EmbeddingsJSON) DoneMarker() string { return "" }
