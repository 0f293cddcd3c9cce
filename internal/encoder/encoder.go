// Package encoder maps semantic output chunks to the OpenAI wire formats.
// Model handlers never see HTTP, JSON, or SSE; each encoder owns one
// response shape.
package encoder

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gaspardpetit/oaigate/internal/stream"
)

// Encoder turns one output chunk into its wire representation. Encoders
// that stream frames expose a non-empty DoneMarker written after the last
// frame.
type Encoder interface {
	Encode(c stream.Chunk) string
	DoneMarker() string
}

// newID generates an OpenAI-style identifier: prefix, dash, 24 hex chars.
func newID(prefix string) string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return prefix + "-" + hex.EncodeToString(b[:])
}
