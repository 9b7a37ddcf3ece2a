package settings

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
)

const goodConfig = `
[chain.c1]
type = dynamic
proxy = socks5 10.0.0.1 1080
proxy = http 10.0.0.2 8080
`

const badConfig = `
[chain.c1]
proxy = socks5 10.0.0.1 1080
filter = refuse 10.0.0.0/40
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestManager_LoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.ini")
	writeConfig(t, path, goodConfig)

	m := NewManager(path, nil)
	assert.Equal(t, PhaseUnloaded, m.Phase())
	snap, table := m.Current()
	assert.Nil(t, snap)
	assert.Nil(t, table)

	require.NoError(t, m.Load())
	assert.Equal(t, PhaseLoaded, m.Phase())
	first, firstTable := m.Current()
	require.NotNil(t, first)
	require.NotNil(t, firstTable)

	k := health.Key{Chain: "c1", Index: 0}
	firstTable.Set(k, types.StateDown)

	// 重载得到新快照，健康状态全部重置
	require.NoError(t, m.Load())
	second, secondTable := m.Current()
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, types.StateUp, secondTable.Get(k))
	assert.Equal(t, types.StateDown, firstTable.Get(k), "旧表不受影响")
}

func TestManager_FailedReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.ini")
	writeConfig(t, path, goodConfig)

	m := NewManager(path, nil)
	require.NoError(t, m.Load())
	before, _ := m.Current()

	writeConfig(t, path, badConfig)
	err := m.Load()
	var perr *types.ParseError
	require.ErrorAs(t, err, &perr)

	after, _ := m.Current()
	assert.Same(t, before, after)
	assert.Equal(t, PhaseLoaded, m.Phase())
}

func TestManager_FailedInitialLoadStaysUnloaded(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.ini"), nil)
	require.Error(t, m.Load())
	assert.Equal(t, PhaseUnloaded, m.Phase())
	snap, _ := m.Current()
	assert.Nil(t, snap)
}

func TestManager_ReloadingPhaseVisibleDuringLoad(t *testing.T) {
	var seen Phase
	var m *Manager
	m = NewManager("mem", nil).WithLoader(func(string) (*types.Snapshot, error) {
		seen = m.Phase()
		return types.NewSnapshot(), nil
	})

	require.NoError(t, m.Load())
	assert.Equal(t, PhaseUnloaded, seen)
	require.NoError(t, m.Load())
	assert.Equal(t, PhaseReloading, seen)
	assert.Equal(t, PhaseLoaded, m.Phase())
}

func TestManager_SubscribersNotified(t *testing.T) {
	m := NewManager("mem", nil).WithLoader(func(string) (*types.Snapshot, error) {
		return types.NewSnapshot(), nil
	})

	var calls atomic.Int32
	var last atomic.Pointer[State]
	m.Register(SubscriberFunc(func(st *State) error {
		calls.Add(1)
		last.Store(st)
		return nil
	}))
	m.Register(SubscriberFunc(func(*State) error {
		return errors.New("subscriber failure is logged only")
	}))

	require.NoError(t, m.Load())
	require.NoError(t, m.Publish(types.NewSnapshot()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Same(t, m.State(), last.Load())
}

func TestManager_Clear(t *testing.T) {
	m := NewManager("mem", nil)
	require.NoError(t, m.Publish(types.NewSnapshot()))
	m.Clear()
	assert.Equal(t, PhaseUnloaded, m.Phase())
	snap, table := m.Current()
	assert.Nil(t, snap)
	assert.Nil(t, table)
}

type closeCounter struct {
	bytes.Buffer
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestManager_CloseReleasesTraceOnce(t *testing.T) {
	trace := logger.NewTrace()
	sink := &closeCounter{}
	trace.SetCloser(sink)

	m := NewManager("mem", trace)
	require.NoError(t, m.Publish(types.NewSnapshot()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, sink.closed)
	assert.False(t, trace.Enabled())
	assert.Equal(t, PhaseTornDown, m.Phase())

	assert.ErrorIs(t, m.Load(), ErrClosed)
	assert.ErrorIs(t, m.Publish(types.NewSnapshot()), ErrClosed)
	m.Clear()
	assert.Equal(t, PhaseTornDown, m.Phase())
}
