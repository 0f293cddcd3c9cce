// Package cluster orchestrates startup: it selects the process role
// (standalone, master, or worker), wires the manager or the worker client
// to the model router, and replays model registrations made before the
// role was known.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gaspardpetit/oaigate/internal/api"
	"github.com/gaspardpetit/oaigate/internal/cluster/master"
	"github.com/gaspardpetit/oaigate/internal/cluster/proto"
	"github.com/gaspardpetit/oaigate/internal/cluster/worker"
	"github.com/gaspardpetit/oaigate/internal/config"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/openai"
	"github.com/gaspardpetit/oaigate/internal/router"
	"github.com/gaspardpetit/oaigate/internal/stream"
)

// Mode is the committed process role.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeStandalone
	ModeMaster
	ModeWorker
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "standalone"
	case ModeMaster:
		return "master"
	case ModeWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// InternalPortOffset separates the cluster control port from the public
// port: internal = external + 1000, by convention.
const InternalPortOffset = 1000

// pendingModel buffers a registration made before the mode is committed.
type pendingModel struct {
	name    string
	typ     proto.ModelType
	install func(rt *router.Router)
}

// Gateway is the host-facing entry point. Model handlers are registered
// on it before Run; the coordinator routes them to the right component
// once the role is known.
type Gateway struct {
	cfg config.Config

	mu      sync.Mutex
	mode    Mode
	pending []pendingModel

	rt      *router.Router
	httpSrv *http.Server
	manager *master.Manager
	wclient *worker.Client
}

// New returns a gateway with the given configuration.
func New(cfg config.Config) *Gateway {
	cfg.SetDefaults()
	return &Gateway{cfg: cfg}
}

// Mode returns the committed role.
func (g *Gateway) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Manager returns the master-side manager, nil unless running as master.
func (g *Gateway) Manager() *master.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manager
}

// RegisterChat registers a chat handler under the model name. Before the
// role is committed the registration is buffered and replayed.
func (g *Gateway) RegisterChat(name string, h router.ChatHandler) {
	g.register(name, proto.ModelChat, func(rt *router.Router) { rt.RegisterChat(name, h) })
}

// RegisterEmbedding registers an embedding handler under the model name.
func (g *Gateway) RegisterEmbedding(name string, h router.EmbeddingHandler) {
	g.register(name, proto.ModelEmbedding, func(rt *router.Router) { rt.RegisterEmbedding(name, h) })
}

// RegisterASR registers a transcription handler under the model name.
func (g *Gateway) RegisterASR(name string, h router.ASRHandler) {
	g.register(name, proto.ModelASR, func(rt *router.Router) { rt.RegisterASR(name, h) })
}

// RegisterTTS registers a speech handler under the model name.
func (g *Gateway) RegisterTTS(name string, h router.TTSHandler) {
	g.register(name, proto.ModelTTS, func(rt *router.Router) { rt.RegisterTTS(name, h) })
}

// RegisterImageGen registers an image handler under the model name.
func (g *Gateway) RegisterImageGen(name string, h router.ImageGenHandler) {
	g.register(name, proto.ModelImageGen, func(rt *router.Router) { rt.RegisterImageGen(name, h) })
}

func (g *Gateway) register(name string, t proto.ModelType, install func(rt *router.Router)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.mode {
	case ModeMaster, ModeStandalone:
		install(g.rt)
	case ModeWorker:
		install(g.rt)
		if g.wclient != nil && g.wclient.Connected() {
			if err := g.wclient.RegisterModel(t, name); err != nil {
				logx.Log.Error().Err(err).Str("model", name).Msg("register model")
			}
		}
	default:
		g.pending = append(g.pending, pendingModel{name: name, typ: t, install: install})
	}
}

// Run auto-detects the role on port: a free external port means master
// (or standalone when clustering is disabled); an occupied port is probed
// on the internal convention port and joined as a worker when a sibling
// answers. It blocks until ctx is done or the role's serve loop fails.
func (g *Gateway) Run(ctx context.Context, port int) error {
	if !g.cfg.EnableCluster {
		return g.RunAsStandalone(ctx, port)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.cfg.Host, port))
	if err == nil {
		return g.runMaster(ctx, ln, port)
	}
	internalPort := port + InternalPortOffset
	if worker.IsClusterService("127.0.0.1", internalPort) {
		return g.RunAsWorker(ctx, "127.0.0.1", internalPort)
	}
	return fmt.Errorf("cluster: port %d is occupied and not a cluster service", port)
}

// RunAsMaster skips detection and serves as master on the given port.
func (g *Gateway) RunAsMaster(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.cfg.Host, port))
	if err != nil {
		return err
	}
	return g.runMaster(ctx, ln, port)
}

// RunAsStandalone serves the public API without a cluster control plane.
func (g *Gateway) RunAsStandalone(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.cfg.Host, port))
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.mode = ModeStandalone
	g.rt = router.New(g.cfg.MaxConcurrency)
	g.replayPendingLocked()
	g.mu.Unlock()
	logx.Log.Info().Int("port", port).Msg("standalone gateway listening")
	return g.servePublic(ctx, ln)
}

// runMaster commits the master role on an already-claimed listener and
// starts the worker manager on the internal convention port.
func (g *Gateway) runMaster(ctx context.Context, ln net.Listener, port int) error {
	g.mu.Lock()
	g.mode = ModeMaster
	g.rt = router.New(g.cfg.MaxConcurrency)
	g.replayPendingLocked()
	mgr := master.NewManager(g.cfg.WorkerTimeout, g.cfg.HeartbeatInterval)
	g.manager = mgr
	g.mu.Unlock()

	mgr.SetLocalModelChecker(g.rt.HasModel)
	mgr.SetModelRegisteredCallback(func(name string, t proto.ModelType) {
		g.installForwarder(name, t)
		logx.Log.Info().Str("model", name).Msg("remote model registered")
	})
	mgr.SetModelUnregisteredCallback(func(name string) {
		g.rt.UnregisterModel(name)
		logx.Log.Info().Str("model", name).Msg("remote model unregistered")
	})

	if err := mgr.Start(port + InternalPortOffset); err != nil {
		_ = ln.Close()
		return fmt.Errorf("cluster: start worker manager: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	}()

	logx.Log.Info().Int("port", port).Int("internal_port", mgr.Port()).Msg("master gateway listening")
	return g.servePublic(ctx, ln)
}

// RunAsWorker connects to the master's internal endpoint, replays local
// registrations over the wire, and blocks until disconnected.
func (g *Gateway) RunAsWorker(ctx context.Context, masterHost string, internalPort int) error {
	g.mu.Lock()
	g.mode = ModeWorker
	g.rt = router.New(g.cfg.MaxConcurrency)
	pending := g.pending
	g.pending = nil
	for _, pm := range pending {
		pm.install(g.rt)
	}
	wc := worker.NewClient(g.rt, g.cfg.WorkerID, g.cfg.HeartbeatInterval)
	wc.SetListenAddress(g.cfg.WorkerListenHost, g.cfg.WorkerListenPort)
	g.wclient = wc
	g.mu.Unlock()

	if err := wc.Connect(masterHost, internalPort); err != nil {
		return fmt.Errorf("cluster: connect to master %s:%d: %w", masterHost, internalPort, err)
	}
	defer wc.Disconnect()

	for _, pm := range pending {
		if err := wc.RegisterModel(pm.typ, pm.name); err != nil {
			logx.Log.Error().Err(err).Str("model", pm.name).Msg("register model")
		}
	}

	logx.Log.Info().Str("worker_id", wc.WorkerID()).Int("listen_port", wc.ListenPort()).Msg("worker running")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !wc.Connected() {
				return errors.New("cluster: master connection lost")
			}
		}
	}
}

// servePublic runs the OpenAI surface on ln until ctx is done.
func (g *Gateway) servePublic(ctx context.Context, ln net.Listener) error {
	srv := api.NewServer(g.cfg, g.rt)
	g.httpSrv = &http.Server{Handler: srv.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- g.httpSrv.Serve(ln) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.httpSrv.Shutdown(sctx)
		return nil
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// installForwarder binds a remote model into the local router: the
// handler body forwards the raw request to the owning worker, so the HTTP
// surface cannot tell a remote model from a local one.
func (g *Gateway) installForwarder(name string, t proto.ModelType) {
	mgr := g.manager
	switch t {
	case proto.ModelChat:
		g.rt.RegisterChat(name, func(req openai.ChatRequest, q *stream.Queue) {
			mgr.ForwardRequest(name, proto.ModelChat, req.Raw, q)
		})
	case proto.ModelEmbedding:
		g.rt.RegisterEmbedding(name, func(req openai.EmbeddingRequest, q *stream.Queue) {
			mgr.ForwardRequest(name, proto.ModelEmbedding, req.Raw, q)
		})
	case proto.ModelASR:
		g.rt.RegisterASR(name, func(req openai.ASRRequest, q *stream.Queue) {
			raw, _ := json.Marshal(req.ForwardJSON())
			mgr.ForwardRequest(name, proto.ModelASR, raw, q)
		})
	case proto.ModelTTS:
		g.rt.RegisterTTS(name, func(req openai.TTSRequest, q *stream.Queue) {
			mgr.ForwardRequest(name, proto.ModelTTS, req.Raw, q)
		})
	case proto.ModelImageGen:
		g.rt.RegisterImageGen(name, func(req openai.ImageGenRequest, q *stream.Queue) {
			mgr.ForwardRequest(name, proto.ModelImageGen, req.Raw, q)
		})
	}
}

func (g *Gateway) replayPendingLocked() {
	for _, pm := range g.pending {
		pm.install(g.rt)
	}
	g.pending = nil
}
