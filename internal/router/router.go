// Package router maps model names to typed handler callbacks and
// dispatches inference requests onto a capped worker pool.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// Handler signatures, one per request family. A handler owns the queue's
// lifecycle: it must end the queue exactly once, either by calling End or
// by panicking and letting the dispatch wrapper finalize with a
// model_error event.
type (
	ChatHandler      func(openai.ChatRequest, *stream.Queue)
	EmbeddingHandler func(openai.EmbeddingRequest, *stream.Queue)
	ASRHandler       func(openai.ASRRequest, *stream.Queue)
	TTSHandler       func(openai.TTSRequest, *stream.Queue)
	ImageGenHandler  func(openai.ImageGenRequest, *stream.Queue)
)

// DefaultDispatchLimit caps concurrently running handlers when no limit is
// configured.
const DefaultDispatchLimit = 64

// Router holds the five name-indexed handler registries. Lookups vastly
// outnumber registrations, so the maps sit behind a reader-writer lock.
type Router struct {
	mu sync.RWMutex

	chat      map[string]ChatHandler
	embedding map[string]EmbeddingHandler
	asr       map[string]ASRHandler
	tts       map[string]TTSHandler
	imageGen  map[string]ImageGenHandler

	sem *semaphore.Weighted
}

// New returns an empty router whose dispatch pool runs at most limit
// handlers at once.
func New(limit int) *Router {
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}
	return &Router{
		chat:      make(map[string]ChatHandler),
		embedding: make(map[string]EmbeddingHandler),
		asr:       make(map[string]ASRHandler),
		tts:       make(map[string]TTSHandler),
		imageGen:  make(map[string]ImageGenHandler),
		sem:       semaphore.NewWeighted(int64(limit)),
	}
}

// RegisterChat binds a chat handler to a model name.
func (r *Router) RegisterChat(name string, h ChatHandler) {
	r.mu.Lock()
	r.chat[name] = h
	r.mu.Unlock()
}

// RegisterEmbedding binds an embedding handler to a model name.
func (r *Router) RegisterEmbedding(name string, h EmbeddingHandler) {
	r.mu.Lock()
	r.embedding[name] = h
	r.mu.Unlock()
}

// RegisterASR binds a transcription handler to a model name.
func (r *Router) RegisterASR(name string, h ASRHandler) {
	r.mu.Lock()
	r.asr[name] = h
	r.mu.Unlock()
}

// RegisterTTS binds a speech-synthesis handler to a model name.
func (r *Router) RegisterTTS(name string, h TTSHandler) {
	r.mu.Lock()
	r.tts[name] = h
	r.mu.Unlock()
}

// RegisterImageGen binds an image-generation handler to a model name.
func (r *Router) RegisterImageGen(name string, h ImageGenHandler) {
	r.mu.Lock()
	r.imageGen[name] = h
	r.mu.Unlock()
}

// UnregisterModel removes the name from every family registry.
func (r *Router) UnregisterModel(name string) {
	r.mu.Lock()
	delete(r.chat, name)
	delete(r.embedding, name)
	delete(r.asr, name)
	delete(r.tts, name)
	delete(r.imageGen, name)
	r.mu.Unlock()
}

// HasChatModel reports whether a chat handler is registered for name.
func (r *Router) HasChatModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chat[name]
	return ok
}

// HasEmbeddingModel reports whether an embedding handler is registered.
func (r *Router) HasEmbeddingModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.embedding[name]
	return ok
}

// HasASRModel reports whether a transcription handler is registered.
func (r *Router) HasASRModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.asr[name]
	return ok
}

// HasTTSModel reports whether a speech handler is registered.
func (r *Router) HasTTSModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tts[name]
	return ok
}

// HasImageGenModel reports whether an image handler is registered.
func (r *Router) HasImageGenModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.imageGen[name]
	return ok
}

// HasModel reports whether the name is registered in any family.
func (r *Router) HasModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.chat[name]; ok {
		return true
	}
	if _, ok := r.embedding[name]; ok {
		return true
	}
	if _, ok := r.asr[name]; ok {
		return true
	}
	if _, ok := r.tts[name]; ok {
		return true
	}
	_, ok := r.imageGen[name]
	return ok
}

// ListChatModels returns the chat model names, sorted.
func (r *Router) ListChatModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.chat)
}

// ListEmbeddingModels returns the embedding model names, sorted.
func (r *Router) ListEmbeddingModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.embedding)
}

// ListASRModels returns the transcription model names, sorted.
func (r *Router) ListASRModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.asr)
}

// ListTTSModels returns the speech model names, sorted.
func (r *Router) ListTTSModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tts)
}

// ListImageGenModels returns the image model names, sorted.
func (r *Router) ListImageGenModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.imageGen)
}

// ListAllModels returns the deduplicated union of every family, sorted.
func (r *Router) ListAllModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for name := range r.chat {
		seen[name] = true
	}
	for name := range r.embedding {
		seen[name] = true
	}
	for name := range r.asr {
		seen[name] = true
	}
	for name := range r.tts {
		seen[name] = true
	}
	for name := range r.imageGen {
		seen[name] = true
	}
	all := make([]string, 0, len(seen))
	for name := range seen {
		all = append(all, name)
	}
	sort.Strings(all)
	return all
}

// RouteChat dispatches the request to its chat handler. It returns false
// when the model is unknown; otherwise the handler runs asynchronously and
// the call returns true immediately.
func (r *Router) RouteChat(req openai.ChatRequest, q *stream.Queue) bool {
	r.mu.RLock()
	h, ok := r.chat[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.dispatch(req.Model, q, func() { h(req, q) })
	return true
}

// RouteEmbedding dispatches the request to its embedding handler.
func (r *Router) RouteEmbedding(req openai.EmbeddingRequest, q *stream.Queue) bool {
	r.mu.RLock()
	h, ok := r.embedding[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.dispatch(req.Model, q, func() { h(req, q) })
	return true
}

// RouteASR dispatches the request to its transcription handler.
func (r *Router) RouteASR(req openai.ASRRequest, q *stream.Queue) bool {
	r.mu.RLock()
	h, ok := r.asr[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.dispatch(req.Model, q, func() { h(req, q) })
	return true
}

// RouteTTS dispatches the request to its speech handler.
func (r *Router) RouteTTS(req openai.TTSRequest, q *stream.Queue) bool {
	r.mu.RLock()
	h, ok := r.tts[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.dispatch(req.Model, q, func() { h(req, q) })
	return true
}

// RouteImageGen dispatches the request to its image handler.
func (r *Router) RouteImageGen(req openai.ImageGenRequest, q *stream.Queue) bool {
	r.mu.RLock()
	h, ok := r.imageGen[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.dispatch(req.Model, q, func() { h(req, q) })
	return true
}

// dispatch runs fn on a fresh goroutine under the pool cap. A panicking
// handler is converted into a model_error event followed by End, so the
// consumer always observes a terminal signal.
func (r *Router) dispatch(model string, q *stream.Queue, fn func()) {
	go func() {
		if err := r.sem.Acquire(context.Background(), 1); err != nil {
			q.Push(stream.ErrorChunk("server_error", "dispatch pool unavailable"))
			q.End()
			return
		}
		defer r.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				logx.Log.Error().Str("model", model).Interface("panic", rec).Msg("handler panicked")
				q.Push(stream.ErrorChunk("model_error", fmt.Sprint(rec)))
				q.End()
			}
		}()
		fn()
	}()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
