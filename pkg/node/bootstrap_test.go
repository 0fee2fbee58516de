package node_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/node"
)

func testConfig(dataDir string) node.Config {
	cfg := node.DefaultConfig()
	cfg.NodeID = "n1"
	cfg.DataDir = dataDir
	cfg.MaxSegmentSize = 1 << 20
	cfg.CompactionEnabled = false

	return cfg
}

func TestBootstrap_StartsAndAcceptsWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	n, err := node.Bootstrap(context.Background(), testConfig(dir), slog.Default())
	require.NoError(t, err)
	defer func() { _ = n.Close() }()

	result, err := n.Facade.Put(context.Background(), "a", json.RawMessage(`"1"`), nil, "client-1", "req-1")
	require.NoError(t, err)
	require.Equal(t, "ok", result.Status)

	get, found := n.Facade.Get("a", nil)
	require.True(t, found)
	require.Equal(t, json.RawMessage(`"1"`), get.Value)
}

func TestBootstrap_ReplaysExistingLogOnRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.NoError(t, err)

	_, err = first.Facade.Put(ctx, "a", json.RawMessage(`"1"`), nil, "client-1", "req-1")
	require.NoError(t, err)
	_, err = first.Facade.Put(ctx, "a", json.RawMessage(`"2"`), nil, "client-1", "req-2")
	require.NoError(t, err)

	require.NoError(t, first.Close())

	second, err := node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	get, found := second.Facade.Get("a", nil)
	require.True(t, found)
	require.Equal(t, json.RawMessage(`"2"`), get.Value)
	require.Equal(t, []uint64{1, 2}, second.Facade.Versions("a"))
}

func TestBootstrap_RefusesSecondNodeOnSameDataDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	_, err = node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.Error(t, err, "a second node must not be able to open the same data dir concurrently")
}

func TestBootstrap_DataDirIsReusableAfterClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := node.Bootstrap(ctx, testConfig(dir), slog.Default())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestNode_HTTPHandlerServesClientAndReplicationRoutes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	n, err := node.Bootstrap(context.Background(), testConfig(dir), slog.Default())
	require.NoError(t, err)
	defer func() { _ = n.Close() }()

	server := httptest.NewServer(n.HTTPHandler())
	defer server.Close()

	putBody := `{"key":"a","value":"1","client_id":"client-1","request_id":"req-1"}`

	resp, err := server.Client().Post(server.URL+"/kv/put", "application/json", strings.NewReader(putBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	getResp, err := server.Client().Get(server.URL + "/kv/get?key=a")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, 200, getResp.StatusCode)

	var got node.GetResult
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	require.Equal(t, json.RawMessage(`"1"`), got.Value)
}
