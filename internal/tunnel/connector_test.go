package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainproxy_nexus/internal/core/dispatcher"
	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/settings"
	"chainproxy_nexus/internal/shared/types"
)

type testEnv struct {
	manager   *settings.Manager
	connector *Connector
}

func newEnv(t *testing.T, chainType types.ChainType, chainLen int, proxies ...types.ProxyData) *testEnv {
	t.Helper()
	snap := types.NewSnapshot()
	snap.Version = "test"
	d := snap.Defaults
	d.Type = chainType
	d.ChainLen = chainLen
	d.ConnectTimeout = 2 * time.Second
	d.ReadTimeout = 2 * time.Second
	d.DefaultFilterAction = types.FilterAccept
	c := types.NewProxyChain("c1", d)
	c.Proxies = proxies
	ten, err := types.NewAddrFilter(netip.MustParseAddr("10.0.0.0"), 8, 0)
	require.NoError(t, err)
	c.Filters = []types.NetFilter{{Action: types.FilterRefuse, Filter: ten}}
	require.NoError(t, snap.AddChain(c))

	m := settings.NewManager("mem", nil)
	require.NoError(t, m.Publish(snap))
	return &testEnv{manager: m, connector: NewConnector(dispatcher.New(m, nil))}
}

func (e *testEnv) state(i int) types.ProxyState {
	_, table := e.manager.Current()
	return table.Get(health.Key{Chain: "c1", Index: i})
}

func assertEcho(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestConnector_ThreeHopChain(t *testing.T) {
	echo := startEcho(t)
	s5 := startProxy(t, types.ProxySOCKS5, "alice", "secret")
	h := startProxy(t, types.ProxyHTTP, "bob", "pw")
	s4 := startProxy(t, types.ProxySOCKS4, "", "")

	env := newEnv(t, types.ChainStrict, 3, s5.data(), h.data(), s4.data())
	conn, err := env.connector.Dial(context.Background(), "c1", echo)
	require.NoError(t, err)
	assertEcho(t, conn)

	assert.Equal(t, int64(1), env.connector.ActiveConnections())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, int64(0), env.connector.ActiveConnections())

	stats := env.connector.Traffic()
	assert.Equal(t, uint64(4), stats.Uplink)
	assert.Equal(t, uint64(4), stats.Downlink)
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.StateUp, env.state(i))
	}
}

func TestConnector_FilteredDestination(t *testing.T) {
	s5 := startProxy(t, types.ProxySOCKS5, "", "")
	env := newEnv(t, types.ChainDynamic, 1, s5.data())

	dst := types.Address{IP: netip.MustParseAddr("10.1.2.3"), Port: 80}
	_, err := env.connector.Dial(context.Background(), "c1", dst)
	assert.ErrorIs(t, err, ErrFiltered)
}

func TestConnector_FirstHopDownThenFailover(t *testing.T) {
	echo := startEcho(t)
	good := startProxy(t, types.ProxySOCKS5, "", "")
	dead := types.ProxyData{Type: types.ProxyHTTP, Addr: deadAddr(t)}

	env := newEnv(t, types.ChainDynamic, 1, dead, good.data())

	_, err := env.connector.Dial(context.Background(), "c1", echo)
	require.Error(t, err)
	assert.Equal(t, types.StateDown, env.state(0))

	conn, err := env.connector.Dial(context.Background(), "c1", echo)
	require.NoError(t, err)
	defer conn.Close()
	assertEcho(t, conn)
	assert.Equal(t, types.StateUp, env.state(1))

	// 两个代理都不可用时是 SelectionError
	_, table := env.manager.Current()
	table.Set(health.Key{Chain: "c1", Index: 1}, types.StateBusy)
	_, err = env.connector.Dial(context.Background(), "c1", echo)
	var selErr *types.SelectionError
	assert.ErrorAs(t, err, &selErr)
}

func TestConnector_AuthFailureBlocks(t *testing.T) {
	echo := startEcho(t)
	testCases := []struct {
		name string
		kind types.ProxyType
	}{
		{"socks5", types.ProxySOCKS5},
		{"http", types.ProxyHTTP},
		{"socks4", types.ProxySOCKS4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := startProxy(t, tc.kind, "alice", "secret")
			env := newEnv(t, types.ChainStrict, 1, p.withCredentials("mallory", "guess"))

			_, err := env.connector.Dial(context.Background(), "c1", echo)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrAuthFailed), "got %v", err)
			assert.Equal(t, types.StateBlocked, env.state(0))
		})
	}
}

func TestConnector_SOCKS5MissingCredentialsBlocks(t *testing.T) {
	echo := startEcho(t)
	locked := startProxy(t, types.ProxySOCKS5, "alice", "secret")
	env := newEnv(t, types.ChainStrict, 1, locked.withCredentials("", ""))

	_, err := env.connector.Dial(context.Background(), "c1", echo)
	require.ErrorIs(t, err, types.ErrAuthFailed)
	assert.Equal(t, types.StateBlocked, env.state(0))
}

func TestConnector_HopCannotReachNextProxy(t *testing.T) {
	echo := startEcho(t)
	h := startProxy(t, types.ProxyHTTP, "", "")
	dead := types.ProxyData{Type: types.ProxySOCKS5, Addr: deadAddr(t)}

	env := newEnv(t, types.ChainStrict, 2, h.data(), dead)
	_, err := env.connector.Dial(context.Background(), "c1", echo)
	require.Error(t, err)
	assert.Equal(t, types.StateUp, env.state(0))
	assert.Equal(t, types.StateDown, env.state(1))
}

func TestConnector_UnreachableDestinationKeepsProxiesUp(t *testing.T) {
	s4 := startProxy(t, types.ProxySOCKS4, "", "")
	env := newEnv(t, types.ChainStrict, 1, s4.data())

	_, err := env.connector.Dial(context.Background(), "c1", deadAddr(t))
	require.Error(t, err)
	assert.Equal(t, types.StateUp, env.state(0))
}

func TestConnector_ReadTimeoutOnSilentProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// 接受连接但从不应答
			go func() {
				io.Copy(io.Discard, c)
				c.Close()
			}()
		}
	}()

	good := startProxy(t, types.ProxyHTTP, "", "")
	silent := types.ProxyData{Type: types.ProxySOCKS5, Addr: listenerAddr(ln)}
	env := newEnv(t, types.ChainDynamic, 1, silent, good.data())
	snap, _ := env.manager.Current()
	c, _ := snap.Chain("c1")
	c.ReadTimeout = 100 * time.Millisecond

	_, err = env.connector.Dial(context.Background(), "c1", startEcho(t))
	require.Error(t, err)
	assert.Equal(t, types.OutcomeTimeout, types.OutcomeOf(err))
}

func TestConnector_WithDialFunc(t *testing.T) {
	echo := startEcho(t)
	s5 := startProxy(t, types.ProxySOCKS5, "", "")
	env := newEnv(t, types.ChainStrict, 1, s5.data())

	dialed := 0
	var nd net.Dialer
	env.connector.WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed++
		return nd.DialContext(ctx, network, addr)
	})

	conn, err := env.connector.Dial(context.Background(), "c1", echo)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, dialed)
}

func TestProber(t *testing.T) {
	echo := startEcho(t)
	ok := startProxy(t, types.ProxyHTTP, "", "")
	locked := startProxy(t, types.ProxySOCKS5, "alice", "secret")

	var nd net.Dialer
	prober := NewProber(echo, nd.DialContext)
	chain := types.NewProxyChain("c1", types.DefaultChainDefaults())

	p := ok.data()
	assert.NoError(t, prober.Probe(context.Background(), chain, &p))

	bad := locked.withCredentials("alice", "wrong")
	err := prober.Probe(context.Background(), chain, &bad)
	assert.Equal(t, types.OutcomeAuthFailed, types.OutcomeOf(err))

	dead := types.ProxyData{Type: types.ProxySOCKS4, Addr: deadAddr(t)}
	err = prober.Probe(context.Background(), chain, &dead)
	assert.Equal(t, types.OutcomeRefused, types.OutcomeOf(err))
}
