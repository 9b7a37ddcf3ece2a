package health

import (
	"sync/atomic"

	"chainproxy_nexus/internal/shared/types"
)

// Key 是代理在快照中的稳定标识：链名加声明顺序下标。
type Key struct {
	Chain string
	Index int
}

// Change 描述一次状态变化
type Change struct {
	Key  Key
	From types.ProxyState
	To   types.ProxyState
}

// Table 是与某个快照绑定的运行时健康表。表的形状在创建后不再改变，
// 每个条目的状态独立地原子更新，读者可以看到任意条目的旧值或新值。
type Table struct {
	states   map[string][]atomic.Int32
	onChange atomic.Pointer[func(Change)]
}

// NewTable 为快照中的每个代理创建一个条目，初始状态均为 StateUp。
func NewTable(snap *types.Snapshot) *Table {
	t := &Table{states: make(map[string][]atomic.Int32, len(snap.Chains))}
	for _, c := range snap.Chains {
		t.states[c.Name] = make([]atomic.Int32, len(c.Proxies))
	}
	return t
}

// OnChange 注册状态变化回调，nil 取消注册。回调在更新者的 goroutine 中执行。
func (t *Table) OnChange(fn func(Change)) {
	if fn == nil {
		t.onChange.Store(nil)
		return
	}
	t.onChange.Store(&fn)
}

func (t *Table) slot(k Key) *atomic.Int32 {
	entries, ok := t.states[k.Chain]
	if !ok || k.Index < 0 || k.Index >= len(entries) {
		return nil
	}
	return &entries[k.Index]
}

// Get 返回条目状态。未知的 key 返回 StateDown 以免被选中。
func (t *Table) Get(k Key) types.ProxyState {
	s := t.slot(k)
	if s == nil {
		return types.StateDown
	}
	return types.ProxyState(s.Load())
}

// Set 更新条目状态并返回旧状态。未知的 key 被忽略。
func (t *Table) Set(k Key, state types.ProxyState) (types.ProxyState, bool) {
	s := t.slot(k)
	if s == nil {
		return types.StateDown, false
	}
	old := types.ProxyState(s.Swap(int32(state)))
	if old != state {
		t.notify(k, old, state)
	}
	return old, true
}

func (t *Table) notify(k Key, from, to types.ProxyState) {
	if fn := t.onChange.Load(); fn != nil {
		(*fn)(Change{Key: k, From: from, To: to})
	}
}

// Acquire 把条目标为 BUSY 并返回原状态。条目已是 BUSY 或 key 未知时返回 false。
func (t *Table) Acquire(k Key) (types.ProxyState, bool) {
	s := t.slot(k)
	if s == nil {
		return types.StateDown, false
	}
	for {
		old := types.ProxyState(s.Load())
		if old == types.StateBusy {
			return old, false
		}
		if s.CompareAndSwap(int32(old), int32(types.StateBusy)) {
			t.notify(k, old, types.StateBusy)
			return old, true
		}
	}
}

// Release 在条目仍为 BUSY 时把它恢复为 prev；期间被 Report 覆盖的状态保持不变。
func (t *Table) Release(k Key, prev types.ProxyState) {
	s := t.slot(k)
	if s == nil {
		return
	}
	if s.CompareAndSwap(int32(types.StateBusy), int32(prev)) {
		t.notify(k, types.StateBusy, prev)
	}
}

// Report applies the transition for a dial outcome to one entry.
func (t *Table) Report(k Key, outcome types.DialOutcome) (types.ProxyState, bool) {
	return t.Set(k, outcome.State())
}

// Chain 返回链中所有条目的当前状态。
func (t *Table) Chain(name string) []types.ProxyState {
	entries := t.states[name]
	out := make([]types.ProxyState, len(entries))
	for i := range entries {
		out[i] = types.ProxyState(entries[i].Load())
	}
	return out
}
