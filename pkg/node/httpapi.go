package node

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// ClientServer exposes the facade's client-facing operations (as opposed to
// the peer-facing replication.TransportServer) as plain net/http handlers,
// the carrier kvctl's remote mode speaks.
type ClientServer struct {
	Facade *Facade
}

// NewClientServer returns a server delegating to facade.
func NewClientServer(facade *Facade) *ClientServer {
	return &ClientServer{Facade: facade}
}

// Handler returns an http.Handler mounting every client-facing endpoint.
func (s *ClientServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/kv/put", s.handlePut)
	mux.HandleFunc("/kv/get", s.handleGet)
	mux.HandleFunc("/kv/delete", s.handleDelete)
	mux.HandleFunc("/kv/history", s.handleHistory)
	mux.HandleFunc("/kv/versions", s.handleVersions)
	mux.HandleFunc("/kv/segments", s.handleSegments)
	mux.HandleFunc("/kv/dedup-stats", s.handleDedupStats)
	mux.HandleFunc("/kv/cluster-status", s.handleClusterStatus)
	mux.HandleFunc("/kv/compact", s.handleCompact)
	mux.HandleFunc("/kv/compaction-status", s.handleCompactionStatus)
	mux.HandleFunc("/kv/configure-compaction", s.handleConfigureCompaction)

	return mux
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	err := json.NewDecoder(r.Body).Decode(out)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	_ = json.NewEncoder(w).Encode(v)
}

type putRequest struct {
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
	ClientID        string          `json:"client_id"`
	RequestID       string          `json:"request_id"`
}

func (s *ClientServer) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest

	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.Facade.Put(r.Context(), req.Key, req.Value, req.ExpectedVersion, req.ClientID, req.RequestID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

func (s *ClientServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	var version *uint64

	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid version: %v", err), http.StatusBadRequest)
			return
		}

		version = &v
	}

	result, found := s.Facade.Get(key, version)
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, result)
}

type deleteRequest struct {
	Key       string `json:"key"`
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
}

func (s *ClientServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest

	if !decodeJSON(w, r, &req) {
		return
	}

	result, found, err := s.Facade.Delete(r.Context(), req.Key, req.ClientID, req.RequestID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, result)
}

func (s *ClientServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.History(r.URL.Query().Get("key")))
}

func (s *ClientServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.Versions(r.URL.Query().Get("key")))
}

func (s *ClientServer) handleSegments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.Segments())
}

func (s *ClientServer) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.DedupStats())
}

func (s *ClientServer) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.ClusterStatus())
}

func (s *ClientServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	result, ran := s.Facade.RunCompaction(r.Context())
	writeJSON(w, struct {
		Ran    bool `json:"ran"`
		Result any  `json:"result"`
	}{Ran: ran, Result: result})
}

func (s *ClientServer) handleCompactionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Facade.CompactionStatus())
}

type configureCompactionRequest struct {
	Enabled  bool    `json:"enabled"`
	Interval seconds `json:"interval"`
}

func (s *ClientServer) handleConfigureCompaction(w http.ResponseWriter, r *http.Request) {
	var req configureCompactionRequest

	if !decodeJSON(w, r, &req) {
		return
	}

	s.Facade.ConfigureCompaction(req.Enabled, req.Interval.Duration())
	writeJSON(w, struct{}{})
}
