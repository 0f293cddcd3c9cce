package master

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gaspardpetit/oaigate/internal/cluster/proto"
	"github.com/gaspardpetit/oaigate/internal/logx"
	"github.com/gaspardpetit/oaigate/internal/metrics"
)

// readFrame decodes the framed body or answers 400. It returns the header
// and raw payload with ok=false once a response has been written.
func readFrame(w http.ResponseWriter, r *http.Request) (proto.Header, []byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return proto.Header{}, nil, false
	}
	h, payload, err := proto.Decode(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return proto.Header{}, nil, false
	}
	return h, payload, true
}

func writeFrame(w http.ResponseWriter, t proto.MessageType, payload interface{}) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(proto.Encode(t, payload)); err != nil {
		logx.Log.Error().Err(err).Msg("write internal frame")
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func (m *Manager) handleHandshake(w http.ResponseWriter, r *http.Request) {
	_, payload, ok := readFrame(w, r)
	if !ok {
		return
	}
	var hs proto.Handshake
	if err := json.Unmarshal(payload, &hs); err != nil || hs.WorkerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The probe id is answered without creating any worker state, so mode
	// detection cannot pollute the registry.
	if hs.WorkerID != proto.ProbeWorkerID {
		host := hs.WorkerHost
		if host == "" {
			host, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		m.mu.Lock()
		wc, exists := m.workers[hs.WorkerID]
		if !exists {
			wc = &workerConn{ID: hs.WorkerID, Models: make(map[string]proto.ModelType)}
			m.workers[hs.WorkerID] = wc
		}
		wc.Host = host
		if hs.WorkerPort > 0 {
			wc.Port = hs.WorkerPort
		}
		wc.LastHeartbeat = time.Now()
		workerCount := len(m.workers)
		m.mu.Unlock()
		metrics.SetWorkersConnected(workerCount)
		logx.Log.Info().Str("worker_id", hs.WorkerID).Str("worker_host", host).Msg("worker connected")
	}

	masterHost := ""
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		masterHost, _, _ = net.SplitHostPort(addr.String())
	}
	writeFrame(w, proto.TypeHandshakeAck, proto.HandshakeAck{
		Accepted:   true,
		Message:    "Welcome",
		MasterHost: masterHost,
		MasterPort: m.port,
	})
}

func (m *Manager) handleRegister(w http.ResponseWriter, r *http.Request) {
	h, payload, ok := readFrame(w, r)
	if !ok {
		return
	}
	if h.Type != proto.TypeRegisterModel {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var rm proto.RegisterModel
	if err := json.Unmarshal(payload, &rm); err != nil || rm.WorkerID == "" || rm.ModelName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	wc, known := m.workers[rm.WorkerID]
	if known {
		if rm.WorkerHost != "" {
			wc.Host = rm.WorkerHost
		}
		if rm.WorkerPort > 0 {
			wc.Port = rm.WorkerPort
		}
	}
	_, conflict := m.modelToWorker[rm.ModelName]
	if !conflict && m.localHasModel != nil && m.localHasModel(rm.ModelName) {
		conflict = true
	}
	if conflict {
		m.mu.Unlock()
		writeFrame(w, proto.TypeRegisterAck, proto.RegisterAck{
			Success: false,
			Message: "Model name already exists: " + rm.ModelName,
		})
		return
	}
	if !known {
		m.mu.Unlock()
		writeFrame(w, proto.TypeRegisterAck, proto.RegisterAck{
			Success: false,
			Message: "Unknown worker: " + rm.WorkerID,
		})
		return
	}
	m.modelToWorker[rm.ModelName] = rm.WorkerID
	wc.Models[rm.ModelName] = rm.ModelType
	modelCount := len(m.modelToWorker)
	m.mu.Unlock()

	writeFrame(w, proto.TypeRegisterAck, proto.RegisterAck{Success: true})
	metrics.SetRemoteModels(modelCount)
	logx.Log.Info().Str("worker_id", rm.WorkerID).Str("model", rm.ModelName).Msg("worker model registered")

	// Fired after the ACK is written, per the control-plane ordering
	// contract.
	if m.onModelRegistered != nil {
		m.onModelRegistered(rm.ModelName, rm.ModelType)
	}
}

func (m *Manager) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	_, payload, ok := readFrame(w, r)
	if !ok {
		return
	}
	var hb proto.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	if wc, known := m.workers[hb.WorkerID]; known {
		wc.LastHeartbeat = time.Now()
		if hb.WorkerHost != "" {
			wc.Host = hb.WorkerHost
		}
		if hb.WorkerPort > 0 {
			wc.Port = hb.WorkerPort
		}
	}
	m.mu.Unlock()
	writeFrame(w, proto.TypeHeartbeatAck, proto.HeartbeatAck{Pong: true})
}

// handleForward exists on the master only so the endpoint set matches
// both roles; the master never receives forwards.
func (m *Manager) handleForward(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := readFrame(w, r); !ok {
		return
	}
	writeOK(w)
}

func (m *Manager) handleResponse(w http.ResponseWriter, r *http.Request) {
	_, payload, ok := readFrame(w, r)
	if !ok {
		return
	}
	var fr proto.ForwardResponse
	if err := json.Unmarshal(payload, &fr); err != nil || fr.RequestID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.HandleResponse(fr.RequestID, fr.Response, fr.IsError)
	writeOK(w)
}

func (m *Manager) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	_, payload, ok := readFrame(w, r)
	if !ok {
		return
	}
	var hs proto.Handshake
	_ = json.Unmarshal(payload, &hs)
	var removed []string
	if hs.WorkerID != "" {
		m.mu.Lock()
		removed = m.removeWorkerLocked(hs.WorkerID)
		workerCount := len(m.workers)
		modelCount := len(m.modelToWorker)
		m.mu.Unlock()
		metrics.SetWorkersConnected(workerCount)
		metrics.SetRemoteModels(modelCount)
		logx.Log.Info().Str("worker_id", hs.WorkerID).Msg("worker disconnected")
	}
	writeOK(w)
	if m.onModelUnregistered != nil {
		for _, name := range removed {
			m.onModelUnregistered(name)
		}
	}
}
