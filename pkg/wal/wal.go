// Package wal implements the segmented, CRC-protected write-ahead log that
// backs the keyspace: every mutation is appended here before it is visible
// to readers, and the keyspace is rebuilt by replaying it from the start.
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/kvwal/pkg/fs"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// ManifestFileName is the crash-safe marker file a compaction swap writes
// before renaming any segment, and removes once the swap completes. Its
// presence on the next Open means a swap was interrupted mid-flight.
const ManifestFileName = "wal.manifest"

// ErrClosed is returned by any operation on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// ErrOutOfOrder is returned by Append when a caller-supplied entry.ID is not
// exactly one greater than the log's current last ID. Followers hit this
// when a replicated push arrives with a gap, which should trigger a
// range-fetch rather than be retried as-is.
var ErrOutOfOrder = errors.New("wal: entry id out of order")

// SegmentInfo describes one on-disk segment.
type SegmentInfo struct {
	SequenceNumber int
	Path           string
	SizeBytes      int64
	IsActive       bool
}

// ReplayStats summarizes what [Open] observed while recovering segments.
type ReplayStats struct {
	EntriesRecovered int
	CorruptSkipped   int
	TornTailSegment  int
	TornTailBytes    int
}

type segment struct {
	seq  int
	path string
	file fs.File
	size int64
}

// WAL is a segmented, append-only log of [walcodec.LogEntry] records.
//
// Segments are discovered and named by dense sequence number
// (wal.log.segment.1, .2, ...) starting at 1. The highest-numbered segment is
// always the active (writable) one; all others are sealed.
//
// WAL is safe for concurrent use.
type WAL struct {
	mu sync.RWMutex

	fsys           fs.FS
	dir            string
	maxSegmentSize int64

	segs []*segment

	lastID    uint64
	hasLastID bool

	closed bool
}

// Open discovers and recovers segments under dir, probing for
// wal.log.segment.<n> starting at n=1 until a gap is found. If no segments
// exist, it creates segment 1.
//
// Sealed segments are scanned in full: corrupt interior records are counted
// and skipped without truncating the file. The active (highest-numbered)
// segment additionally has any torn tail (a final record that fails to
// decode, whether from a truncated write or a CRC mismatch) silently
// discarded by truncating the file back to the last good record boundary.
func Open(ctx context.Context, fsys fs.FS, dir string, maxSegmentSize int64) (*WAL, ReplayStats, error) {
	var stats ReplayStats

	err := fsys.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, stats, fmt.Errorf("wal: open: mkdir: %w", err)
	}

	err = recoverManifest(fsys, dir)
	if err != nil {
		return nil, stats, fmt.Errorf("wal: open: recover manifest: %w", err)
	}

	var segs []*segment

	for n := 1; ; n++ {
		path := segmentPath(dir, n)

		exists, err := fsys.Exists(path)
		if err != nil {
			return nil, stats, fmt.Errorf("wal: open: stat segment %d: %w", n, err)
		}

		if !exists {
			break
		}

		segs = append(segs, &segment{seq: n, path: path})
	}

	if len(segs) == 0 {
		path := segmentPath(dir, 1)

		f, err := fsys.Create(path)
		if err != nil {
			return nil, stats, fmt.Errorf("wal: open: create segment 1: %w", err)
		}

		segs = append(segs, &segment{seq: 1, path: path, file: f})
	}

	w := &WAL{fsys: fsys, dir: dir, maxSegmentSize: maxSegmentSize}

	for i, seg := range segs {
		isActive := i == len(segs)-1

		data, err := fsys.ReadFile(seg.path)
		if err != nil {
			return nil, stats, fmt.Errorf("wal: open: read segment %d: %w", seg.seq, err)
		}

		result := scanSegment(data)

		stats.EntriesRecovered += len(result.entries)
		stats.CorruptSkipped += result.corruptSkipped

		truncateTo := len(data)

		if result.tornTail {
			if isActive {
				truncateTo = result.tornTailOffset
				stats.TornTailSegment = seg.seq
				stats.TornTailBytes = len(data) - result.tornTailOffset
			} else {
				// A sealed segment should never have a torn tail: it was
				// fully written before the next segment was opened. Treat it
				// like any other corrupt record rather than truncating a
				// sealed file.
				stats.CorruptSkipped++
			}
		}

		for _, entry := range result.entries {
			if !w.hasLastID || entry.ID > w.lastID {
				w.lastID = entry.ID
				w.hasLastID = true
			}
		}

		if isActive && truncateTo < len(data) {
			err = fsys.WriteFile(seg.path, data[:truncateTo], 0o644)
			if err != nil {
				return nil, stats, fmt.Errorf("wal: open: truncate torn tail in segment %d: %w", seg.seq, err)
			}
		}

		if seg.file == nil {
			flag := os.O_RDONLY

			if isActive {
				flag = os.O_RDWR | os.O_APPEND
			}

			f, err := fsys.OpenFile(seg.path, flag, 0o644)
			if err != nil {
				return nil, stats, fmt.Errorf("wal: open: reopen segment %d: %w", seg.seq, err)
			}

			seg.file = f
		}

		if isActive && truncateTo < len(data) {
			seg.size = int64(truncateTo)
		} else {
			seg.size = int64(len(data))
		}

		w.segs = append(w.segs, seg)
	}

	return w, stats, nil
}

// Append assigns entry an ID and writes it to the active segment, rolling
// over to a new segment first if the write would exceed maxSegmentSize.
//
// If entry.ID is zero, Append treats this as a leader-originated write and
// assigns the next sequential ID. If entry.ID is non-zero, Append treats
// this as a follower applying a replicated entry: the ID must equal
// LastID()+1 exactly, or [ErrOutOfOrder] is returned so the caller can
// trigger a range-fetch instead.
func (w *WAL) Append(ctx context.Context, entry walcodec.LogEntry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	next := w.lastID + 1

	if entry.ID == 0 {
		entry.ID = next
	} else if entry.ID != next {
		return 0, fmt.Errorf("wal: append entry %d, want %d: %w", entry.ID, next, ErrOutOfOrder)
	}

	encoded, err := walcodec.Encode(entry)
	if err != nil {
		return 0, fmt.Errorf("wal: append: encode: %w", err)
	}

	active := w.segs[len(w.segs)-1]

	if w.maxSegmentSize > 0 && active.size > 0 && active.size+int64(len(encoded)) > w.maxSegmentSize {
		active, err = w.rollSegment(active.seq + 1)
		if err != nil {
			return 0, fmt.Errorf("wal: append: roll segment: %w", err)
		}
	}

	n, err := active.file.Write(encoded)
	if err != nil {
		return 0, fmt.Errorf("wal: append: write: %w", err)
	}

	err = active.file.Sync()
	if err != nil {
		return 0, fmt.Errorf("wal: append: sync: %w", err)
	}

	active.size += int64(n)
	w.lastID = entry.ID
	w.hasLastID = true

	return entry.ID, nil
}

// rollSegment seals the current active segment and opens a new one with the
// given sequence number as the new active segment. Caller must hold w.mu.
func (w *WAL) rollSegment(newSeq int) (*segment, error) {
	path := segmentPath(w.dir, newSeq)

	f, err := w.fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", newSeq, err)
	}

	seg := &segment{seq: newSeq, path: path, file: f}
	w.segs = append(w.segs, seg)

	return seg, nil
}

// LastID returns the highest entry ID written so far and whether the log is
// non-empty.
func (w *WAL) LastID() (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.lastID, w.hasLastID
}

// Segments returns metadata for every on-disk segment, ordered by sequence
// number.
func (w *WAL) Segments() []SegmentInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	infos := make([]SegmentInfo, len(w.segs))
	for i, seg := range w.segs {
		infos[i] = SegmentInfo{
			SequenceNumber: seg.seq,
			Path:           seg.path,
			SizeBytes:      seg.size,
			IsActive:       i == len(w.segs)-1,
		}
	}

	return infos
}

// SealedSegments returns metadata for every segment except the active one,
// in ascending sequence order. The compactor reads these to build a
// replacement and never touches the active segment, which may still be
// receiving appends.
func (w *WAL) SealedSegments() []SegmentInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.segs) <= 1 {
		return nil
	}

	infos := make([]SegmentInfo, 0, len(w.segs)-1)
	for _, seg := range w.segs[:len(w.segs)-1] {
		infos = append(infos, SegmentInfo{SequenceNumber: seg.seq, Path: seg.path, SizeBytes: seg.size})
	}

	return infos
}

// CompactionSwap describes a compactor-produced replacement for a
// contiguous prefix of sealed segments. It is also the JSON shape persisted
// to [ManifestFileName] while a swap is in flight.
type CompactionSwap struct {
	// RemovedSequences lists the sealed segment sequence numbers being
	// replaced, in ascending order. It must be a prefix of the current
	// sealed segments (starting at the lowest sequence number present) and
	// must not include the active segment.
	RemovedSequences []int `json:"removed_sequences"`

	// ReplacementPath is the path of the already-written, already-synced
	// compacted file standing in for RemovedSequences. It is renamed into
	// the numeric slot of the last removed sequence number as part of the
	// swap, so it survives under the WAL's normal segment naming.
	ReplacementPath string `json:"replacement_path"`
}

// recoverManifest completes or discards an in-flight compaction swap found
// on disk from a prior crash, before segment discovery runs. A manifest
// whose replacement file still exists means the swap was interrupted after
// writing the replacement but before (or during) the rename/cleanup; it is
// finished here. A manifest whose replacement file is already gone means the
// swap had already completed when the crash happened; the marker is simply
// removed.
func recoverManifest(fsys fs.FS, dir string) error {
	manifestPath := filepath.Join(dir, ManifestFileName)

	exists, err := fsys.Exists(manifestPath)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}

	if !exists {
		return nil
	}

	data, err := fsys.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var swap CompactionSwap

	err = json.Unmarshal(data, &swap)
	if err != nil || len(swap.RemovedSequences) == 0 {
		// An unreadable or empty manifest cannot describe a real in-flight
		// swap; discard it and proceed as if no swap was pending.
		return fsys.Remove(manifestPath)
	}

	replacementExists, err := fsys.Exists(swap.ReplacementPath)
	if err != nil {
		return fmt.Errorf("stat replacement: %w", err)
	}

	if replacementExists {
		lastSeq := swap.RemovedSequences[len(swap.RemovedSequences)-1]
		newPath := segmentPath(dir, lastSeq)

		err = fsys.Rename(swap.ReplacementPath, newPath)
		if err != nil {
			return fmt.Errorf("finish rename: %w", err)
		}

		for _, seq := range swap.RemovedSequences[:len(swap.RemovedSequences)-1] {
			// Best-effort: the old segment may already have been removed
			// before the crash.
			_ = fsys.Remove(segmentPath(dir, seq))
		}
	}

	return fsys.Remove(manifestPath)
}

// ApplyCompaction atomically replaces a prefix of sealed segments with a
// single compacted segment, restricted to callers that own compaction (the
// compactor), never general append callers.
//
// The replacement file takes over the numeric slot of the highest removed
// sequence number; the other removed segment files are deleted. Entry IDs
// inside the replacement are assumed already validated by the caller to
// exactly match the union of the removed segments (minus whatever the
// compactor dropped, e.g. superseded SET/DELETE pairs) — ApplyCompaction
// itself only performs the file and in-memory bookkeeping swap.
func (w *WAL) ApplyCompaction(ctx context.Context, swap CompactionSwap) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if len(swap.RemovedSequences) == 0 {
		return errors.New("wal: apply compaction: no sequences given")
	}

	if len(w.segs) <= len(swap.RemovedSequences) {
		return errors.New("wal: apply compaction: cannot replace the active segment")
	}

	for i, seq := range swap.RemovedSequences {
		if w.segs[i].seq != seq {
			return fmt.Errorf("wal: apply compaction: sequence %d is not the current sealed prefix", seq)
		}
	}

	lastSeq := swap.RemovedSequences[len(swap.RemovedSequences)-1]
	newPath := segmentPath(w.dir, lastSeq)

	for _, old := range w.segs[:len(swap.RemovedSequences)] {
		if old.file != nil {
			_ = old.file.Close()
		}
	}

	err := w.fsys.Rename(swap.ReplacementPath, newPath)
	if err != nil {
		return fmt.Errorf("wal: apply compaction: rename replacement: %w", err)
	}

	for _, seq := range swap.RemovedSequences[:len(swap.RemovedSequences)-1] {
		err = w.fsys.Remove(segmentPath(w.dir, seq))
		if err != nil {
			return fmt.Errorf("wal: apply compaction: remove old segment %d: %w", seq, err)
		}
	}

	info, err := w.fsys.Stat(newPath)
	if err != nil {
		return fmt.Errorf("wal: apply compaction: stat replacement: %w", err)
	}

	f, err := w.fsys.OpenFile(newPath, os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: apply compaction: open replacement: %w", err)
	}

	newSeg := &segment{seq: lastSeq, path: newPath, file: f, size: info.Size()}

	remaining := make([]*segment, 0, len(w.segs)-len(swap.RemovedSequences)+1)
	remaining = append(remaining, newSeg)
	remaining = append(remaining, w.segs[len(swap.RemovedSequences):]...)
	w.segs = remaining

	return nil
}

// Replay returns a lazy, restartable iterator over every recoverable entry
// across every segment in sequence order. Each call to Replay re-reads
// segment files from scratch, so it reflects compaction swaps that happened
// between calls; callers that need a stable snapshot should stop calling it
// once done.
func (w *WAL) Replay(ctx context.Context) iter.Seq2[walcodec.LogEntry, error] {
	return func(yield func(walcodec.LogEntry, error) bool) {
		w.mu.RLock()
		paths := make([]string, len(w.segs))

		for i, seg := range w.segs {
			paths[i] = seg.path
		}

		fsys := w.fsys
		w.mu.RUnlock()

		for _, path := range paths {
			if ctx.Err() != nil {
				yield(walcodec.LogEntry{}, ctx.Err())
				return
			}

			data, err := fsys.ReadFile(path)
			if err != nil {
				if !yield(walcodec.LogEntry{}, fmt.Errorf("wal: replay: read %s: %w", path, err)) {
					return
				}

				continue
			}

			result := scanSegment(data)

			for _, entry := range result.entries {
				if !yield(entry, nil) {
					return
				}
			}
		}
	}
}

// RangeFetch returns every recoverable entry with ID in [fromID, toID],
// inclusive, for serving a follower's catch-up request. It is implemented in
// terms of Replay and is therefore O(log size), which is acceptable for the
// occasional gap-driven catch-up this exists for.
func (w *WAL) RangeFetch(ctx context.Context, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	var out []walcodec.LogEntry

	for entry, err := range w.Replay(ctx) {
		if err != nil {
			return nil, fmt.Errorf("wal: range fetch: %w", err)
		}

		if entry.ID < fromID {
			continue
		}

		if entry.ID > toID {
			break
		}

		out = append(out, entry)
	}

	return out, nil
}

// Close flushes and closes every open segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	var firstErr error

	for _, seg := range w.segs {
		if seg.file == nil {
			continue
		}

		err := seg.file.Close()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wal: close segment %d: %w", seg.seq, err)
		}
	}

	return firstErr
}
