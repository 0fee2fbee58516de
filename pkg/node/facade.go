package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calvinalkan/kvwal/pkg/compactor"
	"github.com/calvinalkan/kvwal/pkg/dedup"
	"github.com/calvinalkan/kvwal/pkg/health"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/replication"
	"github.com/calvinalkan/kvwal/pkg/wal"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

const (
	opPut    = "PUT"
	opDelete = "DELETE"
)

// Facade is the service facade (C8): a thin mapper from Go-level requests to
// the log, keyspace, dedup cache, compactor, health table, and replication
// coordinator. It owns no state beyond references to those components.
type Facade struct {
	cfg Config

	w         *wal.WAL
	ks        *keyspace.Keyspace
	dedup     *dedup.Cache
	compactor *compactor.Compactor
	health    *health.Table
	coord     *replication.Coordinator
}

// NewFacade wires the given components into a Facade. Components are
// constructed by Bootstrap; NewFacade is exported so tests can wire a
// smaller subset directly.
func NewFacade(
	cfg Config, w *wal.WAL, ks *keyspace.Keyspace, dedupCache *dedup.Cache,
	comp *compactor.Compactor, healthTable *health.Table, coord *replication.Coordinator,
) *Facade {
	return &Facade{cfg: cfg, w: w, ks: ks, dedup: dedupCache, compactor: comp, health: healthTable, coord: coord}
}

// PutResult is the outcome of Put.
type PutResult struct {
	Status         string // "ok", or "error" on a version conflict
	ID             uint64
	Key            string
	Version        uint64
	CurrentVersion uint64
}

// Put applies a SET, deduplicating on (clientID, requestID) and checking
// expectedVersion before ever touching the log.
func (f *Facade) Put(ctx context.Context, key string, value json.RawMessage, expectedVersion *uint64, clientID, requestID string) (PutResult, error) {
	dedupKey := dedup.Key{ClientID: clientID, RequestID: requestID, Operation: opPut}

	if cached, found := f.dedup.Lookup(dedupKey); found {
		result, ok := cached.(PutResult)
		if ok {
			return result, nil
		}
	}

	f.ks.Lock()
	defer f.ks.Unlock()

	current, exists := f.ks.CurrentVersion(key)

	if expectedVersion != nil {
		if !exists || current != *expectedVersion {
			result := PutResult{Status: "error", Key: key, CurrentVersion: current}
			f.dedup.Record(dedupKey, result)

			return result, nil
		}
	}

	entry := walcodec.LogEntry{
		Operation: walcodec.OpSet, Key: key, Value: value, Version: current + 1,
		ClientID: clientID, RequestID: requestID,
	}

	id, err := f.w.Append(ctx, entry)
	if err != nil {
		return PutResult{}, fmt.Errorf("node: put %q: %w", key, err)
	}

	entry.ID = id
	f.ks.ApplyLocked(entry)
	f.coord.NotifyAppended(entry)

	result := PutResult{Status: "ok", ID: id, Key: key, Version: entry.Version}
	f.dedup.Record(dedupKey, result)

	return result, nil
}

// GetResult is the outcome of Get.
type GetResult struct {
	Key     string
	Value   json.RawMessage
	Version uint64
}

// Get returns the current value of key, or a specific historical version.
func (f *Facade) Get(key string, version *uint64) (GetResult, bool) {
	value, v, found := f.ks.Get(key, version)
	if !found {
		return GetResult{}, false
	}

	return GetResult{Key: key, Value: value, Version: v}, true
}

// DeleteResult is the outcome of Delete.
type DeleteResult struct {
	Status string
	ID     uint64
}

// Delete applies a DELETE, deduplicating the same way Put does.
func (f *Facade) Delete(ctx context.Context, key, clientID, requestID string) (DeleteResult, bool, error) {
	dedupKey := dedup.Key{ClientID: clientID, RequestID: requestID, Operation: opDelete}

	if cached, found := f.dedup.Lookup(dedupKey); found {
		result, ok := cached.(DeleteResult)
		if ok {
			return result, true, nil
		}
	}

	f.ks.Lock()
	defer f.ks.Unlock()

	if _, exists := f.ks.CurrentVersion(key); !exists {
		return DeleteResult{}, false, nil
	}

	entry := walcodec.LogEntry{Operation: walcodec.OpDelete, Key: key, ClientID: clientID, RequestID: requestID}

	id, err := f.w.Append(ctx, entry)
	if err != nil {
		return DeleteResult{}, false, fmt.Errorf("node: delete %q: %w", key, err)
	}

	entry.ID = id
	f.ks.ApplyLocked(entry)
	f.coord.NotifyAppended(entry)

	result := DeleteResult{Status: "ok", ID: id}
	f.dedup.Record(dedupKey, result)

	return result, true, nil
}

// History returns every retained version of key.
func (f *Facade) History(key string) []keyspace.VersionedEntry {
	return f.ks.History(key)
}

// Versions returns every retained version number of key.
func (f *Facade) Versions(key string) []uint64 {
	return f.ks.Versions(key)
}

// SegmentsResult reports the WAL's current segment layout.
type SegmentsResult struct {
	Segments       []wal.SegmentInfo
	TotalSegments  int
	MaxSegmentSize int64
}

// Segments returns the WAL's current segment layout.
func (f *Facade) Segments() SegmentsResult {
	segs := f.w.Segments()

	return SegmentsResult{Segments: segs, TotalSegments: len(segs), MaxSegmentSize: f.cfg.MaxSegmentSize}
}

// DedupStats returns the idempotent-receiver cache's activity counters.
func (f *Facade) DedupStats() dedup.Stats {
	return f.dedup.Stats()
}

// PeerStatus is one peer's entry in ClusterStatus.
type PeerStatus struct {
	PeerID                  string
	URL                     string
	Status                  string
	LastHeartbeat           time.Time
	SecondsSinceLastHeartbeat float64
	HasHeartbeat            bool
}

// ClusterStatusResult reports this node's role and the health of its peers.
type ClusterStatusResult struct {
	NodeID string
	Role   Role
	Peers  []PeerStatus
}

// ClusterStatus reports this node's role and the health of every configured
// peer.
func (f *Facade) ClusterStatus() ClusterStatusResult {
	snapshot := f.health.Snapshot()
	now := time.Now()

	peers := make([]PeerStatus, len(snapshot))

	for i, p := range snapshot {
		peers[i] = PeerStatus{
			PeerID: p.PeerID, URL: p.URL, Status: p.Status.String(),
			LastHeartbeat: p.LastHeartbeat, HasHeartbeat: p.HasHeartbeat,
			SecondsSinceLastHeartbeat: now.Sub(p.LastHeartbeat).Seconds(),
		}
	}

	return ClusterStatusResult{NodeID: f.cfg.NodeID, Role: f.cfg.Role, Peers: peers}
}

// RunCompaction triggers an immediate compaction pass, subject to the
// compactor's own single-flight and minimum-interval rules.
func (f *Facade) RunCompaction(ctx context.Context) (compactor.Result, bool) {
	return f.compactor.Run(ctx)
}

// CompactionStatus reports the compactor's configuration and history.
func (f *Facade) CompactionStatus() compactor.Status {
	return f.compactor.Status()
}

// ConfigureCompaction updates the compactor's enabled flag and interval at
// runtime.
func (f *Facade) ConfigureCompaction(enabled bool, interval time.Duration) {
	f.compactor.Configure(enabled, interval)
}

// ReceiveReplicated is the follower-side entry point for an inbound pushed
// entry, satisfying [replication.Receiver].
func (f *Facade) ReceiveReplicated(ctx context.Context, entry walcodec.LogEntry) (replication.PushResult, error) {
	outcome, err := f.coord.ReceiveReplicated(ctx, entry)
	if err != nil {
		return replication.PushResult{}, err
	}

	if outcome == replication.ReceiveDuplicate {
		return replication.PushResult{Status: replication.PushStatusDuplicate}, nil
	}

	return replication.PushResult{Status: replication.PushStatusApplied}, nil
}

// RangeFetch serves a follower's catch-up request from local segments,
// satisfying [replication.Receiver].
func (f *Facade) RangeFetch(ctx context.Context, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	return f.coord.RangeFetch(ctx, fromID, toID)
}

// Heartbeat records a heartbeat from senderID, satisfying
// [replication.Receiver].
func (f *Facade) Heartbeat(ctx context.Context, senderID string, at time.Time) error {
	f.health.RecordHeartbeat(senderID, at)

	return nil
}

var _ replication.Receiver = (*Facade)(nil)
