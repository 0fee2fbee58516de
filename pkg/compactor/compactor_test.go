package compactor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/compactor"
	"github.com/calvinalkan/kvwal/pkg/fs"
	"github.com/calvinalkan/kvwal/pkg/wal"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

func setEntry(id uint64, key, value string) walcodec.LogEntry {
	return walcodec.LogEntry{ID: id, Operation: walcodec.OpSet, Key: key, Value: json.RawMessage(`"` + value + `"`), Version: 1}
}

func TestRun_CompactsSealedSegmentsKeepingLatestPerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	real := fs.NewReal()
	dir := t.TempDir()

	w, _, err := wal.Open(ctx, real, dir, 30)
	require.NoError(t, err)

	_, err = w.Append(ctx, setEntry(0, "a", "1"))
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "a", "2"))
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "b", "1"))
	require.NoError(t, err)

	segsBefore := w.Segments()
	require.Greater(t, len(segsBefore), 1, "expected a roll to have sealed at least one segment")

	c := compactor.New(w, real, dir, time.Hour, 0, true)

	result, ran := c.Run(ctx)
	require.True(t, ran)
	require.NoError(t, result.Err)
	require.Greater(t, result.SegmentsCompacted, 0)

	var replayed []walcodec.LogEntry

	for entry, err := range w.Replay(ctx) {
		require.NoError(t, err)
		replayed = append(replayed, entry)
	}

	byKey := make(map[string]string)
	for _, e := range replayed {
		byKey[e.Key] = string(e.Value)
	}

	require.Equal(t, `"2"`, byKey["a"])
	require.Equal(t, `"1"`, byKey["b"])
}

func TestRun_NoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	real := fs.NewReal()
	dir := t.TempDir()

	w, _, err := wal.Open(ctx, real, dir, 0)
	require.NoError(t, err)

	c := compactor.New(w, real, dir, time.Hour, 0, false)

	_, ran := c.Run(ctx)
	require.False(t, ran)
}

func TestRun_NoOpWhenNoSealedSegments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	real := fs.NewReal()
	dir := t.TempDir()

	w, _, err := wal.Open(ctx, real, dir, 0)
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "a", "1"))
	require.NoError(t, err)

	c := compactor.New(w, real, dir, time.Hour, 0, true)

	result, ran := c.Run(ctx)
	require.True(t, ran)
	require.NoError(t, result.Err)
	require.Equal(t, 0, result.SegmentsCompacted)
}

func TestRun_DropsSealedEntryWhenKeyReappearsInActiveSegment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	real := fs.NewReal()
	dir := t.TempDir()

	// Unlimited segment size so entries 1-5 all land in segment 1.
	w, _, err := wal.Open(ctx, real, dir, 0)
	require.NoError(t, err)

	_, err = w.Append(ctx, setEntry(0, "k1", "a"))
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "k2", "hello"))
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "k1", "b"))
	require.NoError(t, err)
	_, err = w.Append(ctx, walcodec.LogEntry{ID: 0, Operation: walcodec.OpDelete, Key: "k2"})
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "k3", "n"))
	require.NoError(t, err)

	require.NoError(t, w.Close())

	// Reopening with a tiny segment size forces the next append to roll into
	// a fresh segment 2, sealing segment 1 with exactly entries 1-5.
	w, _, err = wal.Open(ctx, real, dir, 1)
	require.NoError(t, err)

	_, err = w.Append(ctx, setEntry(0, "k1", "c"))
	require.NoError(t, err)

	require.Len(t, w.SealedSegments(), 1)

	c := compactor.New(w, real, dir, time.Hour, 0, true)

	result, ran := c.Run(ctx)
	require.True(t, ran)
	require.NoError(t, result.Err)
	require.Equal(t, 1, result.SegmentsCompacted)
	require.Equal(t, 4, result.EntriesRemoved, "k1's stale SETs, k2's SET, and k2's tombstone must all be dropped")

	var replayed []walcodec.LogEntry

	for entry, err := range w.Replay(ctx) {
		require.NoError(t, err)
		replayed = append(replayed, entry)
	}

	require.Len(t, replayed, 2, "only k3=n (sealed) and k1=c (active) should survive")
	require.Equal(t, "k3", replayed[0].Key)
	require.Equal(t, `"n"`, string(replayed[0].Value))
	require.Equal(t, "k1", replayed[1].Key)
	require.Equal(t, `"c"`, string(replayed[1].Value))

	for _, e := range replayed {
		require.NotEqual(t, "k2", e.Key, "k2 was deleted and never reappears; its tombstone carries no value")
	}
}

func TestRun_DropsDeleteTombstoneWhenKeyStaysAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	real := fs.NewReal()
	dir := t.TempDir()

	w, _, err := wal.Open(ctx, real, dir, 30)
	require.NoError(t, err)

	_, err = w.Append(ctx, setEntry(0, "a", "1"))
	require.NoError(t, err)
	_, err = w.Append(ctx, walcodec.LogEntry{ID: 0, Operation: walcodec.OpDelete, Key: "a"})
	require.NoError(t, err)
	_, err = w.Append(ctx, setEntry(0, "b", "1"))
	require.NoError(t, err)

	c := compactor.New(w, real, dir, time.Hour, 0, true)

	_, ran := c.Run(ctx)
	require.True(t, ran)

	var replayed []walcodec.LogEntry

	for entry, err := range w.Replay(ctx) {
		require.NoError(t, err)
		replayed = append(replayed, entry)
	}

	for _, e := range replayed {
		require.NotEqual(t, "a", e.Key, "tombstone for never-reappearing key should be dropped")
	}
}
