package keyspace_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

func setEntry(id uint64, key string, value string, version uint64) walcodec.LogEntry {
	return walcodec.LogEntry{
		ID: id, Operation: walcodec.OpSet, Key: key,
		Value: json.RawMessage(`"` + value + `"`), Version: version,
	}
}

func TestApply_SetThenGetReturnsCurrent(t *testing.T) {
	t.Parallel()

	ks := keyspace.New(0)
	ks.Apply(setEntry(1, "k", "v1", 1))

	value, version, found := ks.Get("k", nil)
	require.True(t, found)
	require.Equal(t, uint64(1), version)
	require.JSONEq(t, `"v1"`, string(value))
}

func TestApply_DeleteThenSetRestartsVersionAtOne(t *testing.T) {
	t.Parallel()

	ks := keyspace.New(0)
	ks.Apply(setEntry(1, "k", "v1", 1))
	ks.Apply(walcodec.LogEntry{ID: 2, Operation: walcodec.OpDelete, Key: "k"})

	_, _, found := ks.Get("k", nil)
	require.False(t, found)

	ks.Apply(setEntry(3, "k", "v2", 1))
	_, version, found := ks.Get("k", nil)
	require.True(t, found)
	require.Equal(t, uint64(1), version)
}

func TestHistory_RetainsPriorVersionsBoundedByLimit(t *testing.T) {
	t.Parallel()

	ks := keyspace.New(2)

	for i := uint64(1); i <= 4; i++ {
		ks.Apply(setEntry(i, "k", "v", i))
	}

	versions := ks.Versions("k")
	require.Equal(t, []uint64{2, 3, 4}, versions)
}

func TestGet_HistoricalVersionStillRetrievable(t *testing.T) {
	t.Parallel()

	ks := keyspace.New(5)
	ks.Apply(setEntry(1, "k", "v1", 1))
	ks.Apply(setEntry(2, "k", "v2", 2))

	v1 := uint64(1)
	value, version, found := ks.Get("k", &v1)
	require.True(t, found)
	require.Equal(t, uint64(1), version)
	require.JSONEq(t, `"v1"`, string(value))
}

func TestCurrentVersion_AbsentKey(t *testing.T) {
	t.Parallel()

	ks := keyspace.New(0)
	_, ok := ks.CurrentVersion("missing")
	require.False(t, ok)
}
