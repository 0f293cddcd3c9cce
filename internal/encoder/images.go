package encoder

import (
	"encoding/base64"
	"encoding/json"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

type imageItem struct {
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt"`
}

type imagesBody struct {
	Created int64       `json:"created"`
	Data    []imageItem `json:"data"`
}

// ImagesJSON encodes generated images as the DALL-E response shape: byte
// chunks become base64 entries, URL-shaped JSON-object chunks pass through
// untouched.
type ImagesJSON struct{}

func (ImagesJSON) Encode(c stream.Chunk) string {
	if c.Kind == stream.KindJSONObject {
		b, _ := json.Marshal(c.Object)
		return string(b)
	}
	body := imagesBody{
		Created: chunkCreated(c),
		Data: []imageItem{{
			B64JSON: base64.StdEncoding.EncodeToString(c.Bytes),
		}},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func (ImagesJSON) DoneMarker() string { return "" }
