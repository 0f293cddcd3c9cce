package stream

import "time"

// ChunkKind discriminates the semantic output events a model handler can
// produce. Handlers emit events only; the encoder layer owns the wire format.
type ChunkKind int

const (
	KindTextDelta ChunkKind = iota
	KindFinalText
	KindEmbedding
	KindEmbeddings
	KindJSONObject
	KindAudioBytes
	KindImageBytes
	KindError
	KindEnd
)

// Chunk is a single semantic output event. Exactly one group of fields is
// meaningful for a given Kind; the metadata fields (Model, ID, Created,
// Index) are attached when the encoder needs them.
type Chunk struct {
	Kind ChunkKind

	Text string

	Embedding  []float32
	Embeddings [][]float32

	Object map[string]interface{}

	Bytes    []byte
	MIMEType string

	ErrCode    string
	ErrMessage string

	Model   string
	ID      string
	Created int64
	Index   int
}

// TextDelta returns a streaming text fragment event.
func TextDelta(text, model string) Chunk {
	return Chunk{Kind: KindTextDelta, Text: text, Model: model, Created: time.Now().Unix()}
}

// FinalText returns the final complete text event.
func FinalText(text, model string) Chunk {
	return Chunk{Kind: KindFinalText, Text: text, Model: model, Created: time.Now().Unix()}
}

// SingleEmbedding returns a single-vector event with its batch index.
func SingleEmbedding(emb []float32, model string, index int) Chunk {
	return Chunk{Kind: KindEmbedding, Embedding: emb, Model: model, Index: index, Created: time.Now().Unix()}
}

// BatchEmbeddings returns a batch-of-vectors event.
func BatchEmbeddings(embs [][]float32, model string) Chunk {
	return Chunk{Kind: KindEmbeddings, Embeddings: embs, Model: model, Created: time.Now().Unix()}
}

// JSONObject returns a generic JSON object event.
func JSONObject(obj map[string]interface{}, model string) Chunk {
	return Chunk{Kind: KindJSONObject, Object: obj, Model: model, Created: time.Now().Unix()}
}

// AudioData returns a TTS audio byte event.
func AudioData(data []byte, mime, model string) Chunk {
	return Chunk{Kind: KindAudioBytes, Bytes: data, MIMEType: mime, Model: model, Created: time.Now().Unix()}
}

// ImageData returns a generated image byte event.
func ImageData(data []byte, mime, model string) Chunk {
	return Chunk{Kind: KindImageBytes, Bytes: data, MIMEType: mime, Model: model, Created: time.Now().Unix()}
}

// ErrorChunk returns a terminal error event.
func ErrorChunk(code, message string) Chunk {
	return Chunk{Kind: KindError, ErrCode: code, ErrMessage: message, Created: time.Now().Unix()}
}

// EndMarker returns the end-of-stream event.
func EndMarker() Chunk { return Chunk{Kind: KindEnd} }

// IsEnd reports whether the chunk is the end-of-stream marker.
func (c Chunk) IsEnd() bool { return c.Kind == KindEnd }

// IsError reports whether the chunk is an error event.
func (c Chunk) IsError() bool { return c.Kind == KindError }
