package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/health"
)

func TestStatus_DownBeforeFirstHeartbeat(t *testing.T) {
	t.Parallel()

	table := health.NewTable(map[string]string{"n2": "http://n2"}, time.Second)

	status, ok := table.Status("n2")
	require.True(t, ok)
	require.Equal(t, health.Down, status.Status)
}

func TestRecordHeartbeat_TransitionsToHealthy(t *testing.T) {
	t.Parallel()

	table := health.NewTable(map[string]string{"n2": "http://n2"}, time.Minute)
	table.RecordHeartbeat("n2", time.Now())

	status, ok := table.Status("n2")
	require.True(t, ok)
	require.Equal(t, health.Healthy, status.Status)
}

func TestStatus_DownAfterTimeoutElapses(t *testing.T) {
	t.Parallel()

	table := health.NewTable(map[string]string{"n2": "http://n2"}, time.Second)
	table.RecordHeartbeat("n2", time.Now().Add(-2*time.Second))

	status, ok := table.Status("n2")
	require.True(t, ok)
	require.Equal(t, health.Down, status.Status)
}

func TestHealthyPeerURLs_ExcludesDownPeers(t *testing.T) {
	t.Parallel()

	table := health.NewTable(map[string]string{"n2": "http://n2", "n3": "http://n3"}, time.Minute)
	table.RecordHeartbeat("n2", time.Now())

	urls := table.HealthyPeerURLs()
	require.Equal(t, map[string]string{"n2": "http://n2"}, urls)
}

func TestRecordHeartbeat_UnknownPeerIsNoOp(t *testing.T) {
	t.Parallel()

	table := health.NewTable(map[string]string{"n2": "http://n2"}, time.Minute)
	table.RecordHeartbeat("ghost", time.Now())

	_, ok := table.Status("ghost")
	require.False(t, ok)
}
