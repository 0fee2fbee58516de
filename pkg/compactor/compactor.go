// Package compactor produces a size-reducing replacement for a WAL's sealed
// segments, keeping only the latest surviving operation per key, and swaps
// it in atomically guarded by a crash-safe manifest marker.
package compactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/kvwal/pkg/fs"
	"github.com/calvinalkan/kvwal/pkg/wal"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// DefaultInterval and DefaultMinInterval back a node's compaction_interval /
// min_compaction_interval config knobs when left unset.
const (
	DefaultInterval    = 3600 * time.Second
	DefaultMinInterval = 600 * time.Second
)

const maxHistory = 20

// Result records the outcome of one compaction pass.
type Result struct {
	RanAt             time.Time
	SegmentsCompacted int
	EntriesRemoved    int
	Duration          time.Duration
	Err               error
}

// Status is the compactor's externally visible state.
type Status struct {
	Enabled  bool
	Interval time.Duration
	Running  bool
	History  []Result
}

// Compactor periodically rewrites a WAL's sealed segments, preserving only
// the latest surviving operation per key, and atomically swaps the result
// in via [wal.WAL.ApplyCompaction].
//
// Compactor is safe for concurrent use. Run is single-flight, guarded by an
// atomic flag so overlapping scheduled ticks never run concurrently; it
// acquires the WAL's exclusive lock only around the final swap, never
// across the rewrite pass.
type Compactor struct {
	w    *wal.WAL
	fsys fs.FS
	dir  string

	running  atomic.Bool
	enabled  atomic.Bool
	interval atomic.Int64 // nanoseconds

	minInterval time.Duration

	mu      sync.Mutex
	history []Result
	lastRun time.Time
}

// New returns a compactor over w, writing temporary compaction output under
// dir (the WAL's own segment directory).
func New(w *wal.WAL, fsys fs.FS, dir string, interval, minInterval time.Duration, enabled bool) *Compactor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}

	c := &Compactor{w: w, fsys: fsys, dir: dir, minInterval: minInterval}
	c.enabled.Store(enabled)
	c.interval.Store(int64(interval))

	return c
}

// Configure updates the enabled flag and scheduling interval at runtime, per
// the facade's ConfigureCompaction operation. interval <= 0 leaves the
// current interval unchanged.
func (c *Compactor) Configure(enabled bool, interval time.Duration) {
	c.enabled.Store(enabled)

	if interval > 0 {
		c.interval.Store(int64(interval))
	}
}

// Interval returns the current scheduling interval.
func (c *Compactor) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Status returns a snapshot of the compactor's configuration and history.
func (c *Compactor) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]Result, len(c.history))
	copy(history, c.history)

	return Status{
		Enabled:  c.enabled.Load(),
		Interval: c.Interval(),
		Running:  c.running.Load(),
		History:  history,
	}
}

// Run attempts one compaction pass. It is a no-op, returning a zero Result
// and false, when compaction is disabled, one is already running, or
// min_compaction_interval has not elapsed since the last run.
func (c *Compactor) Run(ctx context.Context) (Result, bool) {
	if !c.enabled.Load() {
		return Result{}, false
	}

	c.mu.Lock()
	tooSoon := !c.lastRun.IsZero() && time.Since(c.lastRun) < c.minInterval
	c.mu.Unlock()

	if tooSoon {
		return Result{}, false
	}

	if !c.running.CompareAndSwap(false, true) {
		return Result{}, false
	}

	defer c.running.Store(false)

	start := time.Now()
	result := c.runPass(ctx)
	result.RanAt = start
	result.Duration = time.Since(start)

	c.mu.Lock()
	c.lastRun = start
	c.history = append(c.history, result)

	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}

	c.mu.Unlock()

	return result, true
}

func (c *Compactor) runPass(ctx context.Context) Result {
	sealed := c.w.SealedSegments()
	if len(sealed) == 0 {
		return Result{}
	}

	sealedEntries, totalSealed, err := readSegments(c.fsys, sealedPaths(sealed))
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: read sealed segments: %w", err)}
	}

	active := activeSegment(c.w.Segments())

	activeKeys := make(map[string]struct{})

	if active != nil {
		activeEntries, _, err := readSegments(c.fsys, []string{active.Path})
		if err != nil {
			return Result{Err: fmt.Errorf("compactor: read active segment: %w", err)}
		}

		for _, e := range activeEntries {
			activeKeys[e.Key] = struct{}{}
		}
	}

	survivors := survivingEntries(sealedEntries, activeKeys)

	data, err := encodeSegment(survivors)
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: encode replacement: %w", err)}
	}

	removedSeqs := make([]int, len(sealed))
	for i, s := range sealed {
		removedSeqs[i] = s.SequenceNumber
	}

	replacementPath := filepath.Join(c.dir, fmt.Sprintf("wal.compact.tmp.%d", removedSeqs[len(removedSeqs)-1]))

	err = writeAtomically(c.fsys, replacementPath, data)
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: write replacement: %w", err)}
	}

	swap := wal.CompactionSwap{RemovedSequences: removedSeqs, ReplacementPath: replacementPath}

	err = writeManifest(c.fsys, c.dir, swap)
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: write manifest: %w", err)}
	}

	err = c.w.ApplyCompaction(ctx, swap)
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: apply swap: %w", err)}
	}

	err = removeManifest(c.fsys, c.dir)
	if err != nil {
		return Result{Err: fmt.Errorf("compactor: remove manifest: %w", err)}
	}

	return Result{
		SegmentsCompacted: len(sealed),
		EntriesRemoved:    totalSealed - len(survivors),
	}
}

func sealedPaths(segs []wal.SegmentInfo) []string {
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.Path
	}

	return paths
}

func activeSegment(segs []wal.SegmentInfo) *wal.SegmentInfo {
	for i := range segs {
		if segs[i].IsActive {
			return &segs[i]
		}
	}

	return nil
}

// readSegments decodes every well-formed record across paths in order,
// tolerating and silently skipping records that fail to decode (they were
// already excluded from the live keyspace at WAL-open time).
func readSegments(fsys fs.FS, paths []string) (entries []walcodec.LogEntry, total int, err error) {
	for _, path := range paths {
		data, readErr := fsys.ReadFile(path)
		if readErr != nil {
			return nil, 0, fmt.Errorf("read %s: %w", path, readErr)
		}

		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			entry, decodeErr := walcodec.Decode(line)
			if decodeErr != nil {
				continue
			}

			total++
			entries = append(entries, entry)
		}
	}

	return entries, total, nil
}

// survivingEntries walks entries in id order, keeping only the latest
// operation per key. A key that also appears in activeKeys has a newer
// entry in the still-active segment, so its sealed copy (SET or DELETE
// alike) is redundant and dropped. Of the remaining keys, one whose latest
// surviving operation is DELETE is dropped entirely too - the tombstone
// carries no value once nothing downstream can still reference the old
// version.
func survivingEntries(entries []walcodec.LogEntry, activeKeys map[string]struct{}) []walcodec.LogEntry {
	latest := make(map[string]walcodec.LogEntry)

	for _, e := range entries {
		latest[e.Key] = e
	}

	out := make([]walcodec.LogEntry, 0, len(latest))

	for key, entry := range latest {
		if _, reappears := activeKeys[key]; reappears {
			continue
		}

		if entry.Operation == walcodec.OpDelete {
			continue
		}

		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func encodeSegment(entries []walcodec.LogEntry) ([]byte, error) {
	var buf bytes.Buffer

	for _, e := range entries {
		line, err := walcodec.Encode(e)
		if err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", e.ID, err)
		}

		buf.Write(line)
	}

	return buf.Bytes(), nil
}

// writeAtomically writes data to path, using the third-party
// natefinch/atomic writer against the real filesystem, or a plain
// [fs.FS.WriteFile] against any other (e.g. in-memory test) implementation
// that the library cannot see.
func writeAtomically(fsys fs.FS, path string, data []byte) error {
	if _, isReal := fsys.(*fs.Real); isReal {
		return natomic.WriteFile(path, bytes.NewReader(data))
	}

	return fsys.WriteFile(path, data, 0o644)
}

func writeManifest(fsys fs.FS, dir string, swap wal.CompactionSwap) error {
	data, err := json.Marshal(swap)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	return writeAtomically(fsys, filepath.Join(dir, wal.ManifestFileName), data)
}

func removeManifest(fsys fs.FS, dir string) error {
	return fsys.Remove(filepath.Join(dir, wal.ManifestFileName))
}
