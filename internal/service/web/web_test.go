package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/settings"
	"chainproxy_nexus/internal/shared/types"
)

const chainsIni = `
[chain.c1]
proxy = socks5 10.0.0.1 1080 alice secret
proxy = http 10.0.0.2 8080
`

func newTestServer(t *testing.T, cfg types.WebConf) (*settings.Manager, *Hub, *httptest.Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.ini")
	require.NoError(t, os.WriteFile(path, []byte(chainsIni), 0o600))

	m := settings.NewManager(path, nil)
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	m.Register(hub)

	ts := httptest.NewServer(NewServer(cfg, m, hub).Handler())
	t.Cleanup(ts.Close)
	return m, hub, ts, path
}

func getStatus(t *testing.T, url string) StatusResponse {
	t.Helper()
	resp, err := http.Get(url + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestStatusBeforeAndAfterLoad(t *testing.T) {
	m, _, ts, _ := newTestServer(t, types.WebConf{})

	st := getStatus(t, ts.URL)
	assert.Equal(t, "UNLOADED", st.Phase)
	assert.Nil(t, st.Snapshot)

	require.NoError(t, m.Load())
	st = getStatus(t, ts.URL)
	assert.Equal(t, "LOADED", st.Phase)
	require.NotNil(t, st.Snapshot)
	require.Len(t, st.Snapshot.Chains, 1)
	assert.Equal(t, "up", st.Snapshot.Chains[0].Proxies[0].State)

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReloadRequiresAuth(t *testing.T) {
	_, _, ts, _ := newTestServer(t, types.WebConf{User: "admin", Password: "pw"})

	resp, err := http.Post(ts.URL+"/api/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/reload", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPasswordMatches(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, passwordMatches("pw", "pw"))
	assert.False(t, passwordMatches("pw", "px"))
	assert.True(t, passwordMatches(string(hash), "pw"))
	assert.False(t, passwordMatches(string(hash), "px"))
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	m, _, ts, path := newTestServer(t, types.WebConf{})
	require.NoError(t, m.Load())
	before, _ := m.Current()

	require.NoError(t, os.WriteFile(path, []byte("[chain.c1]\nproxy = gopher 10.0.0.1 70\n"), 0o600))
	resp, err := http.Post(ts.URL+"/api/reload", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "gopher")

	after, _ := m.Current()
	assert.Same(t, before, after)
}

func TestWebSocketBroadcasts(t *testing.T) {
	m, hub, ts, _ := newTestServer(t, types.WebConf{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	readMsg := func() map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	require.NoError(t, m.Load())
	msg := readMsg()
	assert.Equal(t, "snapshot_reloaded", msg["type"])

	_, table := m.Current()
	table.Set(health.Key{Chain: "c1", Index: 1}, types.StateDown)
	msg = readMsg()
	assert.Equal(t, "health_update", msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "c1", data["chain"])
	assert.Equal(t, "up", data["from"])
	assert.Equal(t, "down", data["to"])
}
