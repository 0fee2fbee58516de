// Package keyspace holds the in-memory, versioned view of the keyspace
// rebuilt by replaying the write-ahead log. It is the read path for Get and
// the in-memory half of Put/Delete, applied only after the corresponding
// entry has been durably appended to the log.
package keyspace

import (
	"encoding/json"
	"sync"

	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// DefaultHistoryLimit bounds how many prior versions are retained per key
// when a node config does not specify one.
const DefaultHistoryLimit = 20

// VersionedEntry is one retained (version, payload) pair for a key.
type VersionedEntry struct {
	Version uint64
	Value   json.RawMessage
}

// ApplyOutcome classifies the result of [Keyspace.Apply].
type ApplyOutcome int

const (
	Applied ApplyOutcome = iota
	Conflict
	AppliedDelete
)

// ApplyResult is the outcome of applying one log entry to the keyspace.
type ApplyResult struct {
	Outcome        ApplyOutcome
	NewVersion     uint64
	CurrentVersion uint64
}

type record struct {
	current    json.RawMessage
	version    uint64
	exists     bool
	history    []VersionedEntry
	historyCap int
}

// Keyspace is the in-memory map from key to current value, version, and
// bounded history.
//
// Keyspace is safe for concurrent use. All three steps of a SET — version
// check, append, in-memory update — appear atomic to other operations on the
// same key because callers (the facade) hold [Keyspace.Lock]/[Keyspace.Unlock]
// across all three; a single global lock is acceptable at this scale.
type Keyspace struct {
	mu           sync.RWMutex
	records      map[string]*record
	historyLimit int
}

// New returns an empty keyspace. historyLimit <= 0 uses [DefaultHistoryLimit].
func New(historyLimit int) *Keyspace {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Keyspace{records: make(map[string]*record), historyLimit: historyLimit}
}

// Lock acquires the keyspace's write lock, for facades that need the
// check-version → append-WAL → apply sequence to appear atomic.
func (k *Keyspace) Lock() { k.mu.Lock() }

// Unlock releases the lock acquired by Lock.
func (k *Keyspace) Unlock() { k.mu.Unlock() }

// CurrentVersion returns the current version of key without locking,
// intended to be called between Lock/Unlock by a facade performing the
// check-then-append sequence. Returns (0, false) if the key does not exist.
func (k *Keyspace) CurrentVersion(key string) (uint64, bool) {
	rec, ok := k.records[key]
	if !ok || !rec.exists {
		return 0, false
	}

	return rec.version, true
}

// Apply applies a decoded log entry to the keyspace. Callers performing a
// fresh write must have already validated expectedVersion against
// CurrentVersion (under Lock) and appended the entry to the WAL; Apply
// itself never rejects based on version — by the time an entry reaches
// Apply, rejection would violate replay determinism (replaying the same log
// twice must produce the same keyspace).
func (k *Keyspace) Apply(entry walcodec.LogEntry) ApplyResult {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.applyLocked(entry)
}

// ApplyLocked is Apply's body, for callers that already hold the lock via
// Lock/Unlock around a larger check-then-append sequence.
func (k *Keyspace) ApplyLocked(entry walcodec.LogEntry) ApplyResult {
	return k.applyLocked(entry)
}

func (k *Keyspace) applyLocked(entry walcodec.LogEntry) ApplyResult {
	switch entry.Operation {
	case walcodec.OpDelete:
		delete(k.records, entry.Key)

		return ApplyResult{Outcome: AppliedDelete}
	case walcodec.OpSet:
		rec, ok := k.records[entry.Key]
		if !ok {
			rec = &record{}
			k.records[entry.Key] = rec
		}

		if rec.exists {
			rec.history = append(rec.history, VersionedEntry{Version: rec.version, Value: rec.current})
			if len(rec.history) > k.historyLimit {
				rec.history = rec.history[len(rec.history)-k.historyLimit:]
			}
		}

		rec.current = entry.Value
		rec.version = entry.Version
		rec.exists = true

		return ApplyResult{Outcome: Applied, NewVersion: entry.Version}
	default:
		return ApplyResult{Outcome: Conflict}
	}
}

// Get returns the current value and version of key, or a specific
// historical version if version is non-nil.
func (k *Keyspace) Get(key string, version *uint64) (json.RawMessage, uint64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.records[key]
	if !ok || !rec.exists {
		return nil, 0, false
	}

	if version == nil {
		return rec.current, rec.version, true
	}

	if *version == rec.version {
		return rec.current, rec.version, true
	}

	for _, h := range rec.history {
		if h.Version == *version {
			return h.Value, h.Version, true
		}
	}

	return nil, 0, false
}

// History returns every retained version of key, oldest first, including the
// current one. Returns nil if the key does not exist.
func (k *Keyspace) History(key string) []VersionedEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.records[key]
	if !ok || !rec.exists {
		return nil
	}

	out := make([]VersionedEntry, 0, len(rec.history)+1)
	out = append(out, rec.history...)
	out = append(out, VersionedEntry{Version: rec.version, Value: rec.current})

	return out
}

// Versions returns every retained version number of key, oldest first.
func (k *Keyspace) Versions(key string) []uint64 {
	entries := k.History(key)
	if entries == nil {
		return nil
	}

	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Version
	}

	return out
}

// Exists reports whether key currently has a live value.
func (k *Keyspace) Exists(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.records[key]

	return ok && rec.exists
}
