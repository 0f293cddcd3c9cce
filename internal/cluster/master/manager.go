// Package master implements the cluster control plane of a master node:
// it accepts workers over the internal channel, owns the model-to-worker
// map, forwards inference calls to the owning worker, and reaps peers
// that stop heartbeating.
package master

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/oaigate/internal/cluster/proto"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

const (
	// DefaultWorkerTimeout evicts workers silent past this age.
	DefaultWorkerTimeout = 30 * time.Second
	// DefaultHeartbeatInterval paces the reaper loop.
	DefaultHeartbeatInterval = 5 * time.Second

	// forwardConnectTimeout bounds dialing a worker's forward endpoint.
	forwardConnectTimeout = 5 * time.Second
	// forwardReadTimeout bounds a full forward round trip; inference can
	// be slow, so this is generous. Pending entries expire on the same
	// clock so a silently dead worker cannot strand a request.
	forwardReadTimeout = 300 * time.Second

	portScanStart = 18080
	portScanEnd   = 18180
)

// workerConn is the master's record of one connected worker.
type workerConn struct {
	ID            string
	Host          string
	Port          int
	LastHeartbeat time.Time
	Models        map[string]proto.ModelType
}

// pendingForward correlates an in-flight forward with its stream queue.
type pendingForward struct {
	queue    *stream.Queue
	start    time.Time
	deadline time.Time
}

// Manager owns the master side of the cluster control plane.
type Manager struct {
	mu            sync.Mutex
	workers       map[string]*workerConn
	modelToWorker map[string]string
	pending       map[string]*pendingForward

	onModelRegistered   func(name string, t proto.ModelType)
	onModelUnregistered func(name string)
	localHasModel       func(name string) bool

	workerTimeout     time.Duration
	heartbeatInterval time.Duration

	client *http.Client
	srv    *http.Server
	port   int
	stop   chan struct{}
	done   chan struct{}
}

// NewManager returns a manager with the given liveness settings; zero
// values select the defaults.
func NewManager(workerTimeout, heartbeatInterval time.Duration) *Manager {
	if workerTimeout <= 0 {
		workerTimeout = DefaultWorkerTimeout
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		workers:           make(map[string]*workerConn),
		modelToWorker:     make(map[string]string),
		pending:           make(map[string]*pendingForward),
		workerTimeout:     workerTimeout,
		heartbeatInterval: heartbeatInterval,
		client: &http.Client{
			Timeout: forwardReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: forwardConnectTimeout}).DialContext,
			},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetModelRegisteredCallback installs the hook fired after a REGISTER-ACK
// accepts a new remote model.
func (m *Manager) SetModelRegisteredCallback(fn func(name string, t proto.ModelType)) {
	m.onModelRegistered = fn
}

// SetModelUnregisteredCallback installs the hook fired when a worker's
// models are removed.
func (m *Manager) SetModelUnregisteredCallback(fn func(name string)) {
	m.onModelUnregistered = fn
}

// SetLocalModelChecker installs the hook consulted during registration so
// a worker cannot claim a name the master already serves locally; the
// fleet-wide model list stays name-unique.
func (m *Manager) SetLocalModelChecker(fn func(name string) bool) {
	m.localHasModel = fn
}

// Start binds the internal endpoints on port, scanning 18080…18179 when
// port is zero, and launches the reaper loop.
func (m *Manager) Start(port int) error {
	var ln net.Listener
	var err error
	if port == 0 {
		for p := portScanStart; p < portScanEnd; p++ {
			if ln, err = net.Listen("tcp", fmt.Sprintf(":%d", p)); err == nil {
				port = p
				break
			}
		}
		if ln == nil {
			return fmt.Errorf("master: no free internal port in %d-%d", portScanStart, portScanEnd-1)
		}
	} else {
		if ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port)); err != nil {
			return err
		}
	}
	m.port = port

	r := chi.NewRouter()
	r.Post("/internal/handshake", m.handleHandshake)
	r.Post("/internal/register", m.handleRegister)
	r.Post("/internal/heartbeat", m.handleHeartbeat)
	r.Post("/internal/forward", m.handleForward)
	r.Post("/internal/response", m.handleResponse)
	r.Post("/internal/disconnect", m.handleDisconnect)

	m.srv = &http.Server{Handler: r}
	go func() {
		if serr := m.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			logx.Log.Error().Err(serr).Msg("internal server stopped")
		}
	}()
	go m.reapLoop()
	logx.Log.Info().Int("port", port).Msg("worker manager listening")
	return nil
}

// Stop shuts down the internal server and the reaper.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stop)
	if m.srv != nil {
		_ = m.srv.Shutdown(ctx)
	}
	<-m.done
}

// Port returns the bound internal port.
func (m *Manager) Port() int { return m.port }

// WorkerCount returns the number of live workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// ListModels returns the remote model names, sorted.
func (m *Manager) ListModels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.modelToWorker))
	for name := range m.modelToWorker {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasModel reports whether a remote worker owns the model name.
func (m *Manager) HasModel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.modelToWorker[name]
	return ok
}

// ForwardRequest sends a typed inference request to the worker owning the
// model, correlating the eventual response with q by a fresh request id.
// It returns false when no worker owns the model.
func (m *Manager) ForwardRequest(model string, t proto.ModelType, request json.RawMessage, q *stream.Queue) bool {
	m.mu.Lock()
	workerID, ok := m.modelToWorker[model]
	if !ok {
		m.mu.Unlock()
		return false
	}
	wc, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		q.Push(stream.ErrorChunk("worker_not_found", "Worker not found"))
		return false
	}
	host, port := wc.Host, wc.Port
	requestID := "req_" + uuid.NewString()
	m.pending[requestID] = &pendingForward{
		queue:    q,
		start:    time.Now(),
		deadline: time.Now().Add(forwardReadTimeout),
	}
	m.mu.Unlock()

	frame := proto.Encode(proto.TypeForwardRequest, proto.Forward{
		RequestID: requestID,
		ModelType: t,
		Request:   request,
	})
	metrics.RecordForward()
	go func() {
		url := fmt.Sprintf("http://%s:%d/internal/forward", host, port)
		res, err := m.client.Post(url, "application/octet-stream", bytes.NewReader(frame))
		if err != nil || res.StatusCode != http.StatusOK {
			if res != nil {
				_ = res.Body.Close()
			}
			errBody, _ := json.Marshal(proto.ErrorInfo{
				ErrorCode:    "forward_failed",
				ErrorMessage: fmt.Sprintf("Failed to forward request to %s:%d", host, port),
			})
			m.HandleResponse(requestID, errBody, true)
			metrics.RecordForwardFailure()
			return
		}
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	return true
}

// HandleResponse translates a worker's forward response into events on
// the pending queue and removes the pending entry. Unknown ids are
// ignored (the entry may have expired).
func (m *Manager) HandleResponse(requestID string, response json.RawMessage, isError bool) {
	m.mu.Lock()
	pf, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok || pf.queue == nil {
		return
	}
	q := pf.queue

	if isError {
		var ei proto.ErrorInfo
		_ = json.Unmarshal(response, &ei)
		if ei.ErrorCode == "" {
			ei.ErrorCode = "worker_error"
		}
		if ei.ErrorMessage == "" {
			ei.ErrorMessage = "Unknown error"
		}
		q.Push(stream.ErrorChunk(ei.ErrorCode, ei.ErrorMessage))
		q.End()
		return
	}

	var body proto.ResponseBody
	_ = json.Unmarshal(response, &body)
	switch {
	case len(body.Chunks) > 0:
		for _, c := range body.Chunks {
			q.Push(chunkFromResponse(c))
		}
	case len(body.Embeddings) > 0:
		q.Push(stream.BatchEmbeddings(body.Embeddings, ""))
	case body.BytesB64 != "":
		data, err := base64.StdEncoding.DecodeString(body.BytesB64)
		if err != nil {
			q.Push(stream.ErrorChunk("worker_error", "Malformed binary payload"))
			q.End()
			return
		}
		if strings.HasPrefix(body.MIMEType, "image/") {
			q.Push(stream.ImageData(data, body.MIMEType, ""))
		} else {
			q.Push(stream.AudioData(data, body.MIMEType, ""))
		}
	default:
		q.Push(stream.FinalText(body.Text, ""))
	}
	q.End()
}

func chunkFromResponse(c proto.ResponseChunk) stream.Chunk {
	var ch stream.Chunk
	if c.IsDelta {
		ch = stream.TextDelta(c.Text, "")
	} else {
		ch = stream.FinalText(c.Text, "")
	}
	if c.FinishReason != "" {
		ch.Object = map[string]interface{}{"finish_reason": c.FinishReason}
	}
	return ch
}

// reapLoop evicts silent workers and expires stale pending forwards.
func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapDeadWorkers()
			m.expirePending()
		}
	}
}

func (m *Manager) reapDeadWorkers() {
	var removedModels []string
	m.mu.Lock()
	for id, wc := range m.workers {
		if time.Since(wc.LastHeartbeat) <= m.workerTimeout {
			continue
		}
		for name := range wc.Models {
			delete(m.modelToWorker, name)
			removedModels = append(removedModels, name)
		}
		delete(m.workers, id)
		logx.Log.Info().Str("worker_id", id).Str("reason", "heartbeat_expired").Msg("evicted")
	}
	workerCount := len(m.workers)
	modelCount := len(m.modelToWorker)
	m.mu.Unlock()

	metrics.SetWorkersConnected(workerCount)
	metrics.SetRemoteModels(modelCount)
	if m.onModelUnregistered != nil {
		for _, name := range removedModels {
			m.onModelUnregistered(name)
		}
	}
}

func (m *Manager) expirePending() {
	type expired struct {
		id string
		q  *stream.Queue
	}
	var gone []expired
	now := time.Now()
	m.mu.Lock()
	for id, pf := range m.pending {
		if now.After(pf.deadline) {
			gone = append(gone, expired{id: id, q: pf.queue})
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()
	for _, e := range gone {
		logx.Log.Warn().Str("request_id", e.id).Msg("forward expired")
		metrics.RecordForwardFailure()
		if e.q != nil {
			e.q.Push(stream.ErrorChunk("forward_failed", "Worker did not answer before the forward deadline"))
			e.q.End()
		}
	}
}

// removeWorkerLocked drops the worker and its models; callers hold m.mu.
// It returns the removed model names.
func (m *Manager) removeWorkerLocked(id string) []string {
	wc, ok := m.workers[id]
	if !ok {
		return nil
	}
	var removed []string
	for name := range wc.Models {
		delete(m.modelToWorker, name)
		removed = append(removed, name)
	}
	delete(m.workers, id)
	return removed
}
