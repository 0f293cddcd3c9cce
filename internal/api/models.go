package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthBody struct {
	Status         string `json:"status"`
	Concurrency    int    `json:"concurrency"`
	MaxConcurrency int    `json:"max_concurrency"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthBody{
		Status:         "healthy",
		Concurrency:    s.slots.Current(),
		MaxConcurrency: s.slots.Max(),
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsBody struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the union of every registered model; on a master that
// includes the models owned by remote workers.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	body := modelsBody{Object: "list", Data: []modelEntry{}}
	for _, name := range s.router.ListAllModels() {
		body.Data = append(body.Data, modelEntry{ID: name, Object: "model", Created: now, OwnedBy: s.cfg.Owner})
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
