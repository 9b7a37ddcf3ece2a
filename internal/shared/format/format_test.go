package format

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/types"
)

func testSnapshot(t *testing.T) *types.Snapshot {
	t.Helper()
	snap := types.NewSnapshot()
	snap.Version = "v1"
	c := types.NewProxyChain("c1", snap.Defaults)
	a, err := types.ParseAddress("10.0.0.1:1080")
	require.NoError(t, err)
	b, err := types.ParseAddress("10.0.0.2:8080")
	require.NoError(t, err)
	c.Proxies = []types.ProxyData{
		{Type: types.ProxySOCKS5, Addr: a, User: "alice", Password: "hunter2"},
		{Type: types.ProxyHTTP, Addr: b},
	}
	f, err := types.NewAddrFilter(netip.MustParseAddr("10.1.2.3"), 8, 0)
	require.NoError(t, err)
	c.Filters = []types.NetFilter{{Action: types.FilterRefuse, Filter: f}}
	require.NoError(t, snap.AddChain(c))
	return snap
}

func TestText(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, Text(&sb, testSnapshot(t)))
	out := sb.String()

	assert.Contains(t, out, "chain c1: type=dynamic chain_len=1")
	assert.Contains(t, out, "proxy[0] socks5 alice:***@10.0.0.1:1080")
	assert.Contains(t, out, "proxy[1] http 10.0.0.2:8080")
	assert.Contains(t, out, "filter[0] refuse 10.0.0.0/8")
	assert.NotContains(t, out, "hunter2")
}

func TestJSONIncludesHealth(t *testing.T) {
	snap := testSnapshot(t)
	table := health.NewTable(snap)
	table.Set(health.Key{Chain: "c1", Index: 1}, types.StateBlocked)

	data, err := JSON(snap, table)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var v SnapshotView
	require.NoError(t, json.Unmarshal(data, &v))
	require.Len(t, v.Chains, 1)
	c := v.Chains[0]
	assert.Equal(t, int64(10000), c.ConnectTimeoutMs)
	assert.Equal(t, "up", c.Proxies[0].State)
	assert.Equal(t, "blocked", c.Proxies[1].State)
	assert.Equal(t, "alice", c.Proxies[0].User)
	assert.Equal(t, "10.0.0.0/8", c.Filters[0].Filter)
}

func TestJSONWithoutHealth(t *testing.T) {
	data, err := JSON(testSnapshot(t), nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"state"`)
}
