// Package replication ships entries from a leader to its followers and lets
// a lagging follower catch up, over a pluggable [Transport] carrier.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// PushResult is the outcome a follower reports back to a leader's push.
type PushResult struct {
	Status string `json:"status"` // "applied", "duplicate", or "gap"
}

const (
	PushStatusApplied   = "applied"
	PushStatusDuplicate = "duplicate"
	PushStatusGap       = "gap"
)

// Transport is the network carrier used by the replication coordinator (push,
// range-fetch) and the health table (heartbeat send/receive). Modeling it as
// an interface keeps both carrier-agnostic; [HTTPTransport] is the shipped
// implementation.
type Transport interface {
	Push(ctx context.Context, peerURL string, entry walcodec.LogEntry) (PushResult, error)
	RangeFetch(ctx context.Context, peerURL string, fromID, toID uint64) ([]walcodec.LogEntry, error)
	Heartbeat(ctx context.Context, peerURL string, senderID string, at time.Time) error
}

// HTTPTransport carries Transport calls as plain JSON request/response
// bodies over net/http, with a per-call deadline derived from the caller's
// context. It is the one place the replication core touches HTTP directly;
// it deliberately has no routing framework or middleware stack, matching the
// rest of this codebase's minimal CLI-and-library style.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport using client, or
// http.DefaultClient if nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPTransport{Client: client}
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body any, out any) error {
	var reqBody bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replication: marshal request: %w", err)
		}

		reqBody = *bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &reqBody)
	if err != nil {
		return fmt.Errorf("replication: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("replication: do request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replication: %s %s: status %d", method, url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("replication: decode response: %w", err)
	}

	return nil
}

func (t *HTTPTransport) Push(ctx context.Context, peerURL string, entry walcodec.LogEntry) (PushResult, error) {
	var result PushResult

	err := t.do(ctx, http.MethodPost, peerURL+"/replication/push", entry, &result)
	if err != nil {
		return PushResult{}, err
	}

	return result, nil
}

type rangeFetchRequest struct {
	FromID uint64 `json:"from_id"`
	ToID   uint64 `json:"to_id"`
}

type rangeFetchResponse struct {
	Entries []walcodec.LogEntry `json:"entries"`
}

func (t *HTTPTransport) RangeFetch(ctx context.Context, peerURL string, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	var result rangeFetchResponse

	err := t.do(ctx, http.MethodPost, peerURL+"/replication/range_fetch", rangeFetchRequest{FromID: fromID, ToID: toID}, &result)
	if err != nil {
		return nil, err
	}

	return result.Entries, nil
}

type heartbeatRequest struct {
	SenderID string    `json:"sender_id"`
	At       time.Time `json:"at"`
}

func (t *HTTPTransport) Heartbeat(ctx context.Context, peerURL string, senderID string, at time.Time) error {
	return t.do(ctx, http.MethodPost, peerURL+"/replication/heartbeat", heartbeatRequest{SenderID: senderID, At: at}, nil)
}

var _ Transport = (*HTTPTransport)(nil)

// Receiver is the subset of the service facade the TransportServer needs to
// handle inbound replication calls.
type Receiver interface {
	ReceiveReplicated(ctx context.Context, entry walcodec.LogEntry) (PushResult, error)
	RangeFetch(ctx context.Context, fromID, toID uint64) ([]walcodec.LogEntry, error)
	Heartbeat(ctx context.Context, senderID string, at time.Time) error
}

// TransportServer exposes a Receiver's replication methods as plain
// net/http handlers, mounted by the node daemon and used directly via
// httptest in tests.
type TransportServer struct {
	Receiver Receiver
}

// NewTransportServer returns a server delegating to receiver.
func NewTransportServer(receiver Receiver) *TransportServer {
	return &TransportServer{Receiver: receiver}
}

// Handler returns an http.Handler mounting the three replication endpoints.
func (s *TransportServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/replication/push", s.handlePush)
	mux.HandleFunc("/replication/range_fetch", s.handleRangeFetch)
	mux.HandleFunc("/replication/heartbeat", s.handleHeartbeat)

	return mux
}

func (s *TransportServer) handlePush(w http.ResponseWriter, r *http.Request) {
	var entry walcodec.LogEntry

	if !decodeJSON(w, r, &entry) {
		return
	}

	result, err := s.Receiver.ReceiveReplicated(r.Context(), entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

func (s *TransportServer) handleRangeFetch(w http.ResponseWriter, r *http.Request) {
	var req rangeFetchRequest

	if !decodeJSON(w, r, &req) {
		return
	}

	entries, err := s.Receiver.RangeFetch(r.Context(), req.FromID, req.ToID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, rangeFetchResponse{Entries: entries})
}

func (s *TransportServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest

	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.Receiver.Heartbeat(r.Context(), req.SenderID, req.At)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct{}{})
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
