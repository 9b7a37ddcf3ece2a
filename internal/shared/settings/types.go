package settings

import (
	"errors"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/types"
)

// ErrClosed 表示 Manager 已经被 Close，不再接受加载。
var ErrClosed = errors.New("settings manager closed")

// Phase 是快照生命周期的阶段
type Phase int32

const (
	PhaseUnloaded Phase = iota
	PhaseLoaded
	PhaseReloading
	PhaseTornDown
)

var phaseNames = [...]string{"UNLOADED", "LOADED", "RELOADING", "TORN_DOWN"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Phase(?)"
	}
	return phaseNames[p]
}

// State 是一次发布的内容：只读快照加上与之绑定的健康表。
// 二者总是一起替换，读者不会看到新快照配旧健康表。
type State struct {
	Snapshot *types.Snapshot
	Health   *health.Table
}

// Subscriber 是所有希望在新快照发布后得到通知的模块必须实现的接口。
type Subscriber interface {
	// OnSnapshotUpdate 在新快照发布之后被调用。st 不会为 nil。
	OnSnapshotUpdate(st *State) error
}

// SubscriberFunc 把普通函数适配为 Subscriber
type SubscriberFunc func(st *State) error

func (f SubscriberFunc) OnSnapshotUpdate(st *State) error { return f(st) }
