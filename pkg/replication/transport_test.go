package replication_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/replication"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

type fakeReceiver struct {
	pushed      []walcodec.LogEntry
	heartbeats  []string
	rangeEntries []walcodec.LogEntry
}

func (r *fakeReceiver) ReceiveReplicated(ctx context.Context, e walcodec.LogEntry) (replication.PushResult, error) {
	r.pushed = append(r.pushed, e)
	return replication.PushResult{Status: replication.PushStatusApplied}, nil
}

func (r *fakeReceiver) RangeFetch(ctx context.Context, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	return r.rangeEntries, nil
}

func (r *fakeReceiver) Heartbeat(ctx context.Context, senderID string, at time.Time) error {
	r.heartbeats = append(r.heartbeats, senderID)
	return nil
}

func TestHTTPTransport_PushRoundTrip(t *testing.T) {
	t.Parallel()

	receiver := &fakeReceiver{}
	server := httptest.NewServer(replication.NewTransportServer(receiver).Handler())
	defer server.Close()

	transport := replication.NewHTTPTransport(server.Client())

	e := walcodec.LogEntry{ID: 1, Operation: walcodec.OpSet, Key: "a", Value: json.RawMessage(`"1"`)}
	e.CRC = walcodec.Checksum(e)

	result, err := transport.Push(context.Background(), server.URL, e)
	require.NoError(t, err)
	require.Equal(t, replication.PushStatusApplied, result.Status)
	require.Len(t, receiver.pushed, 1)
	require.Equal(t, uint64(1), receiver.pushed[0].ID)
}

func TestHTTPTransport_RangeFetchRoundTrip(t *testing.T) {
	t.Parallel()

	want := []walcodec.LogEntry{{ID: 2, Operation: walcodec.OpSet, Key: "a"}}
	receiver := &fakeReceiver{rangeEntries: want}
	server := httptest.NewServer(replication.NewTransportServer(receiver).Handler())
	defer server.Close()

	transport := replication.NewHTTPTransport(server.Client())

	entries, err := transport.RangeFetch(context.Background(), server.URL, 2, 2)
	require.NoError(t, err)
	require.Equal(t, want, entries)
}

func TestHTTPTransport_HeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	receiver := &fakeReceiver{}
	server := httptest.NewServer(replication.NewTransportServer(receiver).Handler())
	defer server.Close()

	transport := replication.NewHTTPTransport(server.Client())

	err := transport.Heartbeat(context.Background(), server.URL, "node-2", time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"node-2"}, receiver.heartbeats)
}
