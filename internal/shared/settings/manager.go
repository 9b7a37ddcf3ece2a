package settings

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/config"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
)

// Loader 把配置源解析为一个新的快照
type Loader func(source string) (*types.Snapshot, error)

// Manager 是链配置快照的生命周期管理器。
// 读取是无锁的 (atomic.Pointer)；加载由 mu 串行化，新快照整体构建完成后才发布。
type Manager struct {
	source string
	loader Loader
	trace  *logger.Trace

	state atomic.Pointer[State]
	phase atomic.Int32

	mu          sync.Mutex // 单写者：Load/Publish/Clear/Close
	subMu       sync.RWMutex
	subscribers []Subscriber
	closeOnce   sync.Once
	log         zerolog.Logger
}

// NewManager 创建一个处于 UNLOADED 阶段的 Manager。source 由 config.LoadChains 解析；
// trace 为 nil 时使用一个空的诊断输出。
func NewManager(source string, trace *logger.Trace) *Manager {
	if trace == nil {
		trace = logger.NewTrace()
	}
	return &Manager{
		source: source,
		loader: config.LoadChains,
		trace:  trace,
		log:    logger.WithComponent("Settings/Manager"),
	}
}

// WithLoader 替换配置源解析函数，返回 m 本身。
func (m *Manager) WithLoader(l Loader) *Manager {
	m.loader = l
	return m
}

// Source 返回配置源路径
func (m *Manager) Source() string { return m.source }

// Trace 返回诊断输出。它与加载相互独立，只在 Close 时释放。
func (m *Manager) Trace() *logger.Trace { return m.trace }

// Phase 返回当前生命周期阶段
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

// Current 返回当前发布的快照及其健康表，未加载时均为 nil。
func (m *Manager) Current() (*types.Snapshot, *health.Table) {
	st := m.state.Load()
	if st == nil {
		return nil, nil
	}
	return st.Snapshot, st.Health
}

// State 返回当前发布的状态，未加载时为 nil。
func (m *Manager) State() *State {
	return m.state.Load()
}

// Register 注册一个订阅者，它会在此后每次发布时收到通知。
func (m *Manager) Register(sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Load 从配置源重新解析并发布新快照。失败时保留之前的快照 (如果有)，
// 阶段恢复为加载前的值，并返回 *types.ParseError 或 *types.ConfigError。
func (m *Manager) Load() error {
	m.mu.Lock()
	if m.Phase() == PhaseTornDown {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := m.Phase()
	if prev == PhaseLoaded {
		m.phase.Store(int32(PhaseReloading))
	}

	snap, err := m.loader(m.source)
	if err != nil {
		m.phase.Store(int32(prev))
		m.mu.Unlock()
		m.log.Error().Err(err).Str("source", m.source).Msg("Failed to load chain configuration, keeping previous snapshot.")
		return err
	}
	st := m.publishLocked(snap)
	m.mu.Unlock()

	m.log.Info().
		Str("source", m.source).
		Str("version", snap.Version).
		Int("chains", len(snap.Chains)).
		Msg("Chain configuration loaded.")
	m.notify(st)
	return nil
}

// Publish 直接发布一个已经构建好的快照，健康表随之重置。
func (m *Manager) Publish(snap *types.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("publish: nil snapshot")
	}
	m.mu.Lock()
	if m.Phase() == PhaseTornDown {
		m.mu.Unlock()
		return ErrClosed
	}
	st := m.publishLocked(snap)
	m.mu.Unlock()
	m.notify(st)
	return nil
}

func (m *Manager) publishLocked(snap *types.Snapshot) *State {
	st := &State{Snapshot: snap, Health: health.NewTable(snap)}
	m.state.Store(st)
	m.phase.Store(int32(PhaseLoaded))
	return st
}

// Clear 撤下当前快照，回到 UNLOADED。此后的选择返回 types.ErrNotLoaded。
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Phase() == PhaseTornDown {
		return
	}
	m.state.Store(nil)
	m.phase.Store(int32(PhaseUnloaded))
}

// Close 撤下快照并释放诊断输出，只有第一次调用生效。
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state.Store(nil)
		m.phase.Store(int32(PhaseTornDown))
		m.mu.Unlock()
		err = m.trace.Close()
		m.log.Info().Msg("Settings manager closed.")
	})
	return err
}

// notify 同步地通知所有订阅者。
func (m *Manager) notify(st *State) {
	m.subMu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.RUnlock()

	if len(subs) == 0 {
		return
	}
	m.log.Debug().Int("subscribers", len(subs)).Msg("Notifying subscribers of snapshot update.")
	for _, sub := range subs {
		if err := sub.OnSnapshotUpdate(st); err != nil {
			m.log.Error().Err(err).Msg("Error notifying subscriber.")
		}
	}
}
