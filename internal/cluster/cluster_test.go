package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/oaigate/internal/config"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// freePortPair finds a port whose internal convention port is also free.
func freePortPair(t *testing.T) int {
	t.Helper()
	for i := 0; i < 20; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			continue
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		ln2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+InternalPortOffset))
		if err != nil {
			continue
		}
		_ = ln2.Close()
		return port
	}
	t.Fatalf("no free port pair")
	return 0
}

func testClusterConfig() config.Config {
	var cfg config.Config
	cfg.SetDefaults()
	cfg.Host = "127.0.0.1"
	cfg.EnableCluster = true
	cfg.DefaultTimeout = 5 * time.Second
	cfg.WorkerListenHost = "127.0.0.1"
	cfg.HeartbeatInterval = time.Second
	return cfg
}

func waitHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(url)
		if err == nil {
			_ = res.Body.Close()
			if res.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("endpoint %s never became ready", url)
}

func listModels(t *testing.T, base string) []string {
	t.Helper()
	res, err := http.Get(base + "/v1/models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	var v struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	names := make([]string, 0, len(v.Data))
	for _, d := range v.Data {
		names = append(names, d.ID)
	}
	return names
}

func waitForModel(t *testing.T, base, name string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range listModels(t, base) {
			if m == name {
				return
			}
		}
		time.Sleep(30 * time.Millisecond)
	}
	t.Fatalf("model %s never appeared at %s", name, base)
}

func startMaster(t *testing.T, ctx context.Context, port int) *Gateway {
	t.Helper()
	g := New(testClusterConfig())
	g.RegisterChat("master-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("Hello from Master!", req.Model))
		q.End()
	})
	go func() {
		if err := g.RunAsMaster(ctx, port); err != nil {
			t.Errorf("master: %v", err)
		}
	}()
	waitHTTP(t, fmt.Sprintf("http://127.0.0.1:%d/health", port))
	return g
}

func TestClusterRegistrationAndForward(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePortPair(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	startMaster(t, ctx, port)

	wcfg := testClusterConfig()
	wg := New(wcfg)
	wg.RegisterChat("worker-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.TextDelta("Hello", req.Model))
		q.Push(stream.TextDelta(" from Worker", req.Model))
		q.Push(stream.FinalText("Hello from Worker", req.Model))
		q.End()
	})
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- wg.RunAsWorker(ctx, "127.0.0.1", port+InternalPortOffset)
	}()

	waitForModel(t, base, "worker-model")
	models := listModels(t, base)
	var haveMaster, haveWorker bool
	for _, m := range models {
		if m == "master-model" {
			haveMaster = true
		}
		if m == "worker-model" {
			haveWorker = true
		}
	}
	if !haveMaster || !haveWorker {
		t.Fatalf("models %v", models)
	}

	// A request against the remote model is served through the forward
	// path and looks exactly like a local one to the client.
	res, err := http.Post(base+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"worker-model","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d", res.StatusCode)
	}
	var v struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	// The non-streaming drain returns the first translated event; the
	// worker serialized a delta first.
	if len(v.Choices) != 1 || v.Choices[0].Message.Content == "" {
		t.Fatalf("chat body %+v", v)
	}

	cancel()
	select {
	case <-workerDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestClusterNameConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePortPair(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	mg := New(testClusterConfig())
	mg.RegisterChat("shared-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("from master", req.Model))
		q.End()
	})
	go func() {
		if err := mg.RunAsMaster(ctx, port); err != nil {
			t.Errorf("master: %v", err)
		}
	}()
	waitHTTP(t, base+"/health")

	// The master holds shared-model locally; the worker's wire
	// registration for the same name must be rejected. The worker's own
	// map is not consulted, so the master additionally guards remote
	// duplicates through the manager's model map.
	wg := New(testClusterConfig())
	wg.RegisterChat("unique-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("unique", req.Model))
		q.End()
	})
	wg.RegisterChat("shared-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("from worker", req.Model))
		q.End()
	})
	go func() { _ = wg.RunAsWorker(ctx, "127.0.0.1", port+InternalPortOffset) }()

	waitForModel(t, base, "unique-model")

	mgr := mg.Manager()
	if mgr == nil {
		t.Fatalf("no manager on master")
	}
	if mgr.HasModel("shared-model") {
		t.Fatalf("conflicting remote registration should be rejected")
	}
	count := 0
	for _, m := range listModels(t, base) {
		if m == "shared-model" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared-model listed %d times", count)
	}
}

func TestAutoDetectBecomesWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePortPair(t)

	startMaster(t, ctx, port)

	wg := New(testClusterConfig())
	wg.RegisterChat("auto-model", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("auto", req.Model))
		q.End()
	})
	go func() { _ = wg.Run(ctx, port) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && wg.Mode() != ModeWorker {
		time.Sleep(20 * time.Millisecond)
	}
	if wg.Mode() != ModeWorker {
		t.Fatalf("auto-detect mode %v", wg.Mode())
	}
	waitForModel(t, fmt.Sprintf("http://127.0.0.1:%d", port), "auto-model")
}

func TestStandaloneServesWithoutCluster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePortPair(t)

	cfg := testClusterConfig()
	cfg.EnableCluster = false
	g := New(cfg)
	g.RegisterChat("solo", func(req openai.ChatRequest, q *stream.Queue) {
		q.Push(stream.FinalText("alone", req.Model))
		q.End()
	})
	go func() {
		if err := g.Run(ctx, port); err != nil {
			t.Errorf("standalone: %v", err)
		}
	}()
	waitHTTP(t, fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if g.Mode() != ModeStandalone {
		t.Fatalf("mode %v", g.Mode())
	}
	if g.Manager() != nil {
		t.Fatalf("standalone should not run a manager")
	}
}
