package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/oaigate/internal/cluster/proto"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/router"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// fakeMaster implements the master's internal endpoints and records what
// the client posts.
type fakeMaster struct {
	mu         sync.Mutex
	heartbeats int
	registered []proto.RegisterModel
	responses  []proto.ForwardResponse
	rejectName string
	failHB     bool

	srv  *httptest.Server
	host string
	port int
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	fm := &fakeMaster{}
	r := chi.NewRouter()
	r.Post("/internal/handshake", func(w http.ResponseWriter, req *http.Request) {
		fm.reply(w, req, proto.TypeHandshakeAck, proto.HandshakeAck{Accepted: true, MasterPort: fm.port})
	})
	r.Post("/internal/register", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		_, payload, err := proto.Decode(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var rm proto.RegisterModel
		_ = json.Unmarshal(payload, &rm)
		fm.mu.Lock()
		reject := rm.ModelName == fm.rejectName
		if !reject {
			fm.registered = append(fm.registered, rm)
		}
		fm.mu.Unlock()
		ack := proto.RegisterAck{Success: !reject}
		if reject {
			ack.Message = "Model name already exists: " + rm.ModelName
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(proto.Encode(proto.TypeRegisterAck, ack))
	})
	r.Post("/internal/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		fm.mu.Lock()
		fm.heartbeats++
		fail := fm.failHB
		fm.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fm.reply(w, req, proto.TypeHeartbeatAck, proto.HeartbeatAck{Pong: true})
	})
	r.Post("/internal/response", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		_, payload, err := proto.Decode(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var fr proto.ForwardResponse
		_ = json.Unmarshal(payload, &fr)
		fm.mu.Lock()
		fm.responses = append(fm.responses, fr)
		fm.mu.Unlock()
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/internal/disconnect", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	fm.srv = httptest.NewServer(r)
	t.Cleanup(fm.srv.Close)
	u, _ := url.Parse(fm.srv.URL)
	fm.host = u.Hostname()
	fm.port, _ = strconv.Atoi(u.Port())
	return fm
}

func (fm *fakeMaster) reply(w http.ResponseWriter, req *http.Request, t proto.MessageType, payload interface{}) {
	body, _ := io.ReadAll(req.Body)
	if _, _, err := proto.Decode(body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(proto.Encode(t, payload))
}

func (fm *fakeMaster) heartbeatCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.heartbeats
}

func (fm *fakeMaster) lastResponse() (proto.ForwardResponse, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.responses) == 0 {
		return proto.ForwardResponse{}, false
	}
	return fm.responses[len(fm.responses)-1], true
}

func newConnectedClient(t *testing.T, fm *fakeMaster, rt *router.Router, hb time.Duration) *Client {
	t.Helper()
	c := NewClient(rt, "", hb)
	c.SetListenAddress("127.0.0.1", 0)
	if err := c.Connect(fm.host, fm.port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectStartsEndpointAndHeartbeats(t *testing.T) {
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, router.New(0), 50*time.Millisecond)

	if !c.Connected() {
		t.Fatalf("client not connected")
	}
	if c.ListenPort() < 28080 || c.ListenPort() >= 28180 {
		t.Fatalf("listen port %d outside scan range", c.ListenPort())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fm.heartbeatCount() < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if fm.heartbeatCount() < 2 {
		t.Fatalf("heartbeats %d", fm.heartbeatCount())
	}
}

func TestHeartbeatFailureDisconnects(t *testing.T) {
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, router.New(0), 30*time.Millisecond)

	fm.mu.Lock()
	fm.failHB = true
	fm.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Connected() {
		time.Sleep(20 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatalf("client should disconnect after a failed heartbeat")
	}
}

func TestRegisterModelConflictReportsError(t *testing.T) {
	fm := newFakeMaster(t)
	fm.rejectName = "taken"
	c := newConnectedClient(t, fm, router.New(0), time.Second)

	if err := c.RegisterModel(proto.ModelChat, "fresh"); err != nil {
		t.Fatalf("register fresh: %v", err)
	}
	if err := c.RegisterModel(proto.ModelChat, "taken"); err == nil {
		t.Fatalf("conflicting register should fail")
	}
	// A second registration of an accepted model is a no-op.
	if err := c.RegisterModel(proto.ModelChat, "fresh"); err != nil {
		t.Fatalf("re-register fresh: %v", err)
	}
}

func postForward(t *testing.T, c *Client, fwd proto.Forward) {
	t.Helper()
	res, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/internal/forward", c.ListenPort()),
		"application/octet-stream", bytes.NewReader(proto.Encode(proto.TypeForwardRequest, fwd)))
	if err != nil {
		t.Fatalf("post forward: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forward status %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "OK" {
		t.Fatalf("forward body %q", body)
	}
}

func waitResponse(t *testing.T, fm *fakeMaster) proto.ForwardResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fr, ok := fm.lastResponse(); ok {
			return fr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no forward response posted")
	return proto.ForwardResponse{}
}

func TestForwardChatStreamSerialized(t *testing.T) {
	rt := router.New(0)
	rt.RegisterChat("chatty", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.TextDelta("Hel", req.Model))
		q.Push(stream.TextDelta("lo", req.Model))
		q.Push(stream.FinalText("Hello", req.Model))
		q.End()
	})
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, rt, time.Second)

	postForward(t, c, proto.Forward{
		RequestID: "req_1",
		ModelType: proto.ModelChat,
		Request:   json.RawMessage(`{"model":"chatty"}`),
	})

	fr := waitResponse(t, fm)
	if fr.RequestID != "req_1" || fr.IsError {
		t.Fatalf("response %+v", fr)
	}
	var body proto.ResponseBody
	if err := json.Unmarshal(fr.Response, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Chunks) != 3 {
		t.Fatalf("chunks %+v", body.Chunks)
	}
	if !body.Chunks[0].IsDelta || body.Chunks[2].IsDelta {
		t.Fatalf("delta flags wrong: %+v", body.Chunks)
	}
	if body.Chunks[2].Text != "Hello" {
		t.Fatalf("final text %q", body.Chunks[2].Text)
	}
}

func TestForwardSingleChunkPostedBare(t *testing.T) {
	rt := router.New(0)
	rt.RegisterChat("terse", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("only", req.Model))
		q.End()
	})
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, rt, time.Second)

	postForward(t, c, proto.Forward{
		RequestID: "req_single",
		ModelType: proto.ModelChat,
		Request:   json.RawMessage(`{"model":"terse"}`),
	})

	fr := waitResponse(t, fm)
	var body proto.ResponseBody
	if err := json.Unmarshal(fr.Response, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Chunks) != 0 || body.Text != "only" || body.IsDelta {
		t.Fatalf("single chunk should post bare: %+v", body)
	}
}

func TestForwardEmbeddings(t *testing.T) {
	rt := router.New(0)
	rt.RegisterEmbedding("vec", func(req openai.EmbeddingRequest, q *stream.Queue) {
		q.Push(stream.BatchEmbeddings([][]float32{{1, 2}, {3, 4}}, req.Model))
		q.End()
	})
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, rt, time.Second)

	postForward(t, c, proto.Forward{
		RequestID: "req_emb",
		ModelType: proto.ModelEmbedding,
		Request:   json.RawMessage(`{"model":"vec","input":["a","b"]}`),
	})

	fr := waitResponse(t, fm)
	var body proto.ResponseBody
	if err := json.Unmarshal(fr.Response, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Embeddings) != 2 || body.Embeddings[1][0] != 3 {
		t.Fatalf("embeddings %+v", body.Embeddings)
	}
}

func TestForwardErrorShortCircuits(t *testing.T) {
	rt := router.New(0)
	rt.RegisterChat("broken", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.ErrorChunk("model_error", "backend gone"))
		q.End()
	})
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, rt, time.Second)

	postForward(t, c, proto.Forward{
		RequestID: "req_err",
		ModelType: proto.ModelChat,
		Request:   json.RawMessage(`{"model":"broken"}`),
	})

	fr := waitResponse(t, fm)
	if !fr.IsError {
		t.Fatalf("expected error response")
	}
	var ei proto.ErrorInfo
	if err := json.Unmarshal(fr.Response, &ei); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ei.ErrorCode != "model_error" || ei.ErrorMessage != "backend gone" {
		t.Fatalf("error %+v", ei)
	}
}

func TestForwardUnknownModelReportsNotFound(t *testing.T) {
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, router.New(0), time.Second)

	postForward(t, c, proto.Forward{
		RequestID: "req_missing",
		ModelType: proto.ModelChat,
		Request:   json.RawMessage(`{"model":"nope"}`),
	})

	fr := waitResponse(t, fm)
	if !fr.IsError {
		t.Fatalf("expected error response")
	}
	var ei proto.ErrorInfo
	_ = json.Unmarshal(fr.Response, &ei)
	if ei.ErrorCode != "model_not_found" {
		t.Fatalf("error %+v", ei)
	}
}

func TestForwardMalformedFrameRejected(t *testing.T) {
	fm := newFakeMaster(t)
	c := newConnectedClient(t, fm, router.New(0), time.Second)

	res, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/internal/forward", c.ListenPort()),
		"application/octet-stream", bytes.NewReader([]byte("garbage")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", res.StatusCode)
	}
}
