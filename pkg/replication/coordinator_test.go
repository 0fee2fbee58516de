package replication_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/fs"
	"github.com/calvinalkan/kvwal/pkg/health"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/replication"
	"github.com/calvinalkan/kvwal/pkg/wal"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

func newFollower(t *testing.T, transport replication.Transport, leaderURL string) (*wal.WAL, *keyspace.Keyspace, *replication.Coordinator) {
	t.Helper()

	ctx := context.Background()
	w, _, err := wal.Open(ctx, fs.NewMemFS(), "/follower", 0)
	require.NoError(t, err)

	ks := keyspace.New(0)
	healthTable := health.NewTable(nil, time.Minute)
	coord := replication.New(transport, healthTable, w, ks, nil, leaderURL)

	return w, ks, coord
}

func entry(id uint64, key, value string) walcodec.LogEntry {
	e := walcodec.LogEntry{ID: id, Operation: walcodec.OpSet, Key: key, Value: json.RawMessage(`"` + value + `"`), Version: 1}
	e.CRC = walcodec.Checksum(e)

	return e
}

type fakeTransport struct {
	rangeFetchFunc func(ctx context.Context, peerURL string, fromID, toID uint64) ([]walcodec.LogEntry, error)
}

func (f *fakeTransport) Push(ctx context.Context, peerURL string, e walcodec.LogEntry) (replication.PushResult, error) {
	return replication.PushResult{}, nil
}

func (f *fakeTransport) RangeFetch(ctx context.Context, peerURL string, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	return f.rangeFetchFunc(ctx, peerURL, fromID, toID)
}

func (f *fakeTransport) Heartbeat(ctx context.Context, peerURL string, senderID string, at time.Time) error {
	return nil
}

func TestReceiveReplicated_AppliesNextExpectedEntry(t *testing.T) {
	t.Parallel()

	_, ks, coord := newFollower(t, &fakeTransport{}, "")

	outcome, err := coord.ReceiveReplicated(context.Background(), entry(1, "a", "1"))
	require.NoError(t, err)
	require.Equal(t, replication.ReceiveApplied, outcome)

	_, _, found := ks.Get("a", nil)
	require.True(t, found)
}

func TestReceiveReplicated_DuplicateIsNotReapplied(t *testing.T) {
	t.Parallel()

	_, _, coord := newFollower(t, &fakeTransport{}, "")
	ctx := context.Background()

	_, err := coord.ReceiveReplicated(ctx, entry(1, "a", "1"))
	require.NoError(t, err)

	outcome, err := coord.ReceiveReplicated(ctx, entry(1, "a", "1"))
	require.NoError(t, err)
	require.Equal(t, replication.ReceiveDuplicate, outcome)
}

func TestReceiveReplicated_RejectsBadCRC(t *testing.T) {
	t.Parallel()

	_, _, coord := newFollower(t, &fakeTransport{}, "")

	bad := entry(1, "a", "1")
	bad.CRC ^= 0xff

	_, err := coord.ReceiveReplicated(context.Background(), bad)
	require.ErrorIs(t, err, replication.ErrCRCMismatch)
}

func TestReceiveReplicated_GapTriggersRangeFetch(t *testing.T) {
	t.Parallel()

	fetched := false

	transport := &fakeTransport{
		rangeFetchFunc: func(ctx context.Context, peerURL string, fromID, toID uint64) ([]walcodec.LogEntry, error) {
			fetched = true
			require.Equal(t, uint64(1), fromID)
			require.Equal(t, uint64(1), toID)

			return []walcodec.LogEntry{entry(1, "a", "1")}, nil
		},
	}

	_, ks, coord := newFollower(t, transport, "http://leader")

	outcome, err := coord.ReceiveReplicated(context.Background(), entry(2, "b", "2"))
	require.NoError(t, err)
	require.Equal(t, replication.ReceiveApplied, outcome)
	require.True(t, fetched)

	_, _, found := ks.Get("a", nil)
	require.True(t, found)
	_, _, found = ks.Get("b", nil)
	require.True(t, found)
}
