// Package worker implements the worker side of the cluster: it connects
// to a master, publishes the models it implements, hosts a small endpoint
// for forwarded requests, and heartbeats until disconnected.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/oaigate/internal/cluster/proto"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/router"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

const (
	// DefaultHeartbeatInterval paces worker heartbeats to the master.
	DefaultHeartbeatInterval = 5 * time.Second

	// drainPollInterval paces the forward drain loop.
	drainPollInterval = 100 * time.Millisecond

	listenScanStart = 28080
	listenScanEnd   = 28180

	probeTimeout = 2 * time.Second
)

// Client connects a worker process to a master's internal endpoint.
type Client struct {
	workerID string
	rt       *router.Router

	listenHost string
	listenPort int
	actualPort atomic.Int32

	masterHost string
	masterPort int

	hbInterval time.Duration
	client     *http.Client

	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once

	srv *http.Server

	mu         sync.Mutex
	registered map[string]bool
}

// NewClient returns a client serving forwards through rt. An empty worker
// id is generated.
func NewClient(rt *router.Router, workerID string, heartbeatInterval time.Duration) *Client {
	if workerID == "" {
		workerID = "worker_" + uuid.NewString()[:8]
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Client{
		workerID:   workerID,
		rt:         rt,
		listenHost: "0.0.0.0",
		hbInterval: heartbeatInterval,
		client:     &http.Client{Timeout: 60 * time.Second},
		stop:       make(chan struct{}),
		registered: make(map[string]bool),
	}
}

// WorkerID returns the identifier announced to the master.
func (c *Client) WorkerID() string { return c.workerID }

// SetListenAddress sets where the local forward endpoint binds. Port 0
// picks the first free port in the scan range.
func (c *Client) SetListenAddress(host string, port int) {
	c.listenHost = host
	c.listenPort = port
}

// ListenAddress returns the address reported to the master: the resolved
// non-loopback IP when binding all interfaces, the configured host
// otherwise.
func (c *Client) ListenAddress() string {
	if c.listenHost == "0.0.0.0" || c.listenHost == "" {
		return firstNonLoopbackIPv4()
	}
	return c.listenHost
}

// ListenPort returns the bound forward-endpoint port.
func (c *Client) ListenPort() int { return int(c.actualPort.Load()) }

// Connected reports whether the client is attached to a master.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect performs the handshake, starts the local forward endpoint, and
// launches the heartbeat loop.
func (c *Client) Connect(masterHost string, masterPort int) error {
	if c.connected.Load() {
		return nil
	}
	c.masterHost = masterHost
	c.masterPort = masterPort

	if err := c.startLocalEndpoint(); err != nil {
		return err
	}

	hs := proto.Handshake{
		WorkerID:   c.workerID,
		WorkerHost: c.ListenAddress(),
		WorkerPort: c.ListenPort(),
		Timestamp:  time.Now().UnixNano(),
	}
	ack, err := c.postFrame("/internal/handshake", proto.TypeHandshake, hs, proto.TypeHandshakeAck)
	if err != nil {
		c.stopLocalEndpoint()
		return fmt.Errorf("handshake: %w", err)
	}
	var ha proto.HandshakeAck
	if err := json.Unmarshal(ack, &ha); err != nil || !ha.Accepted {
		c.stopLocalEndpoint()
		return errors.New("handshake rejected")
	}

	c.connected.Store(true)
	go c.heartbeatLoop()
	logx.Log.Info().Str("worker_id", c.workerID).Str("master", fmt.Sprintf("%s:%d", masterHost, masterPort)).Msg("connected to master")
	return nil
}

// RegisterModel publishes one model to the master. A rejected
// registration (usually a name conflict) is returned as an error carrying
// the master's message.
func (c *Client) RegisterModel(t proto.ModelType, name string) error {
	if !c.connected.Load() {
		return errors.New("not connected")
	}
	c.mu.Lock()
	if c.registered[name] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	rm := proto.RegisterModel{
		WorkerID:   c.workerID,
		WorkerHost: c.ListenAddress(),
		WorkerPort: c.ListenPort(),
		ModelType:  t,
		ModelName:  name,
	}
	payload, err := c.postFrame("/internal/register", proto.TypeRegisterModel, rm, proto.TypeRegisterAck)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	var ack proto.RegisterAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("register %s: bad ack", name)
	}
	if !ack.Success {
		if ack.Message == "" {
			ack.Message = "Registration failed"
		}
		return errors.New(ack.Message)
	}
	c.mu.Lock()
	c.registered[name] = true
	c.mu.Unlock()
	logx.Log.Info().Str("worker_id", c.workerID).Str("model", name).Msg("model registered")
	return nil
}

// Disconnect notifies the master and stops the local endpoint and loops.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.connected.Swap(false) {
		frame := proto.Encode(proto.TypeDisconnect, proto.Handshake{WorkerID: c.workerID})
		res, err := c.client.Post(c.masterURL("/internal/disconnect"), "application/octet-stream", bytes.NewReader(frame))
		if err == nil {
			_, _ = io.Copy(io.Discard, res.Body)
			_ = res.Body.Close()
		}
	}
	c.stopLocalEndpoint()
}

// masterURL builds an internal endpoint URL on the master.
func (c *Client) masterURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.masterHost, c.masterPort, path)
}

// postFrame posts one framed message and validates the framed reply type.
func (c *Client) postFrame(path string, t proto.MessageType, payload interface{}, want proto.MessageType) ([]byte, error) {
	res, err := c.client.Post(c.masterURL(path), "application/octet-stream", bytes.NewReader(proto.Encode(t, payload)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	h, reply, err := proto.Decode(body)
	if err != nil {
		return nil, err
	}
	if h.Type != want {
		return nil, fmt.Errorf("unexpected reply type %d", h.Type)
	}
	return reply, nil
}

// startLocalEndpoint binds the forward endpoint, scanning the port range
// when the configured port is zero.
func (c *Client) startLocalEndpoint() error {
	r := chi.NewRouter()
	r.Post("/internal/forward", c.handleForward)

	var ln net.Listener
	var err error
	if c.listenPort > 0 {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", c.listenHost, c.listenPort))
		if err != nil {
			return err
		}
		c.actualPort.Store(int32(c.listenPort))
	} else {
		for p := listenScanStart; p < listenScanEnd; p++ {
			if ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", c.listenHost, p)); err == nil {
				c.actualPort.Store(int32(p))
				break
			}
		}
		if ln == nil {
			return fmt.Errorf("worker: no free listen port in %d-%d", listenScanStart, listenScanEnd-1)
		}
	}

	c.srv = &http.Server{Handler: r}
	go func() {
		if serr := c.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			logx.Log.Error().Err(serr).Msg("worker endpoint stopped")
		}
	}()
	return nil
}

func (c *Client) stopLocalEndpoint() {
	if c.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.srv.Shutdown(ctx)
		c.srv = nil
	}
	c.actualPort.Store(0)
}

// heartbeatLoop posts a heartbeat every interval; a failed post means the
// master is gone and the client transitions to disconnected.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		if !c.connected.Load() {
			return
		}
		hb := proto.Heartbeat{
			WorkerID:   c.workerID,
			WorkerHost: c.ListenAddress(),
			WorkerPort: c.ListenPort(),
			Ping:       true,
		}
		res, err := c.client.Post(c.masterURL("/internal/heartbeat"), "application/octet-stream",
			bytes.NewReader(proto.Encode(proto.TypeHeartbeat, hb)))
		if err != nil || res.StatusCode != http.StatusOK {
			if res != nil {
				_ = res.Body.Close()
			}
			logx.Log.Warn().Str("worker_id", c.workerID).Msg("heartbeat failed; disconnecting")
			c.connected.Store(false)
			return
		}
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

// handleForward dispatches a forwarded request through the local router
// into a fresh queue and drains it back to the master in a detached
// goroutine.
func (c *Client) handleForward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, payload, err := proto.Decode(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var fwd proto.Forward
	if err := json.Unmarshal(payload, &fwd); err != nil || fwd.RequestID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	q := stream.NewQueue(0)
	c.dispatch(fwd, q)
	go c.drainAndRespond(fwd.RequestID, q)

	writeOKBody(w)
}

func writeOKBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

// dispatch routes the forwarded request by family. Failures surface as
// error events on the queue so the drain loop reports them uniformly.
func (c *Client) dispatch(fwd proto.Forward, q *stream.Queue) {
	if c.rt == nil {
		q.Push(stream.ErrorChunk("worker_handler_missing", "No worker request handler configured"))
		q.End()
		return
	}
	routed := false
	switch fwd.ModelType {
	case proto.ModelChat:
		if req, err := openai.ParseChatRequest(fwd.Request); err == nil {
			routed = c.rt.RouteChat(req, q)
		}
	case proto.ModelEmbedding:
		if req, err := openai.ParseEmbeddingRequest(fwd.Request); err == nil {
			routed = c.rt.RouteEmbedding(req, q)
		}
	case proto.ModelASR:
		routed = c.rt.RouteASR(openai.ASRFromJSON(fwd.Request), q)
	case proto.ModelTTS:
		if req, err := openai.ParseTTSRequest(fwd.Request); err == nil {
			routed = c.rt.RouteTTS(req, q)
		}
	case proto.ModelImageGen:
		if req, err := openai.ParseImageGenRequest(fwd.Request); err == nil {
			routed = c.rt.RouteImageGen(req, q)
		}
	}
	if !routed {
		q.Push(stream.ErrorChunk("model_not_found", "Model is not registered on worker"))
		q.End()
	}
}

// drainAndRespond accumulates the handler's chunks and posts one
// FORWARD-RESPONSE when the stream completes. An error chunk short-
// circuits into an error response.
func (c *Client) drainAndRespond(requestID string, q *stream.Queue) {
	var chunks []proto.ResponseChunk
	var embeddings [][]float32
	var binary []byte
	var mime string

	for {
		chunk, ok := q.WaitPopFor(drainPollInterval)
		if !ok {
			if q.Ended() {
				break
			}
			continue
		}
		if chunk.IsEnd() {
			break
		}
		if chunk.IsError() {
			c.sendResponse(requestID, proto.ErrorInfo{ErrorCode: chunk.ErrCode, ErrorMessage: chunk.ErrMessage}, true)
			return
		}

		finish := ""
		if chunk.Object != nil {
			if v, ok := chunk.Object["finish_reason"].(string); ok {
				finish = v
			}
		}
		switch {
		case chunk.Text != "":
			chunks = append(chunks, proto.ResponseChunk{
				Text:         chunk.Text,
				IsDelta:      chunk.Kind == stream.KindTextDelta,
				FinishReason: finish,
			})
		case len(chunk.Embeddings) > 0:
			embeddings = chunk.Embeddings
		case chunk.Kind == stream.KindEmbedding:
			embeddings = [][]float32{chunk.Embedding}
		case len(chunk.Bytes) > 0:
			binary = chunk.Bytes
			mime = chunk.MIMEType
		}
		if finish == "stop" {
			break
		}
	}

	var body proto.ResponseBody
	switch {
	case len(chunks) == 1 && embeddings == nil && binary == nil:
		body = proto.ResponseBody{Text: chunks[0].Text, IsDelta: chunks[0].IsDelta, FinishReason: chunks[0].FinishReason}
	case len(chunks) > 1:
		body = proto.ResponseBody{Chunks: chunks}
	case embeddings != nil:
		body = proto.ResponseBody{Embeddings: embeddings}
	case binary != nil:
		body = proto.ResponseBody{BytesB64: base64.StdEncoding.EncodeToString(binary), MIMEType: mime}
	default:
		body = proto.ResponseBody{Chunks: chunks}
	}
	c.sendResponse(requestID, body, false)
}

// sendResponse posts one FORWARD-RESPONSE frame to the master.
func (c *Client) sendResponse(requestID string, response interface{}, isError bool) {
	raw, err := json.Marshal(response)
	if err != nil {
		return
	}
	fr := proto.ForwardResponse{RequestID: requestID, Response: raw, IsError: isError}
	res, err := c.client.Post(c.masterURL("/internal/response"), "application/octet-stream",
		bytes.NewReader(proto.Encode(proto.TypeForwardResponse, fr)))
	if err != nil {
		logx.Log.Error().Err(err).Str("request_id", requestID).Msg("post forward response")
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}

// IsClusterService probes host:port with a handshake frame and reports
// whether a cluster master answered. The probe id carries no side
// effects on the master.
func IsClusterService(host string, port int) bool {
	client := &http.Client{Timeout: probeTimeout}
	frame := proto.Encode(proto.TypeHandshake, proto.Handshake{
		WorkerID:  proto.ProbeWorkerID,
		Timestamp: time.Now().UnixNano(),
	})
	res, err := client.Post(fmt.Sprintf("http://%s:%d/internal/handshake", host, port),
		"application/octet-stream", bytes.NewReader(frame))
	if err != nil {
		return false
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return false
	}
	h, _, err := proto.Decode(body)
	return err == nil && h.Type == proto.TypeHandshakeAck
}
