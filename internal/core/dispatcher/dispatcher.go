package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/firewall"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
)

// StateProvider 提供当前发布的快照及其健康表。未加载时两者均为 nil。
// AppServer 的 settings.Manager 实现此接口。
type StateProvider interface {
	Current() (*types.Snapshot, *health.Table)
}

// ProxyRef 引用某个快照中的一个代理。它携带所属快照的健康表，
// 因此重载之后对旧引用的报告只会影响旧快照。
type ProxyRef struct {
	Key   health.Key
	Proxy *types.ProxyData
	table *health.Table
}

// Selection 是一次选择的结果：按拨号顺序排列的代理
type Selection struct {
	Chain    *types.ProxyChain
	Version  string
	Proxies  []ProxyRef
	Snapshot *types.Snapshot
}

// Path 以 "a -> b -> dst" 形式描述本次选择。
func (s *Selection) Path(dst types.Address) string {
	parts := make([]string, 0, len(s.Proxies)+1)
	for _, ref := range s.Proxies {
		parts = append(parts, ref.Proxy.Type.String()+"://"+ref.Proxy.Addr.String())
	}
	parts = append(parts, dst.String())
	return strings.Join(parts, " -> ")
}

// Dispatcher 是代理链选择与过滤的核心入口。
type Dispatcher struct {
	provider StateProvider
	firewall firewall.Firewall
	random   *RandomSelector
	trace    *logger.Trace
}

// New 创建一个新的 Dispatcher 实例。trace 可以为 nil。
func New(provider StateProvider, trace *logger.Trace) *Dispatcher {
	if trace == nil {
		trace = logger.NewTrace()
	}
	return &Dispatcher{
		provider: provider,
		firewall: firewall.NewEngine(),
		random:   NewRandomSelector(),
		trace:    trace,
	}
}

func (d *Dispatcher) lookup(chainName string) (*types.Snapshot, *health.Table, *types.ProxyChain, error) {
	snap, table := d.provider.Current()
	if snap == nil || table == nil {
		return nil, nil, nil, types.ErrNotLoaded
	}
	chain, ok := snap.Chain(chainName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: '%s'", types.ErrUnknownChain, chainName)
	}
	return snap, table, chain, nil
}

// MatchFilter 返回链的过滤列表对 dst 的判定。错误只在链不存在时返回。
func (d *Dispatcher) MatchFilter(chainName string, dst types.Address) (types.FilterAction, error) {
	snap, _, chain, err := d.lookup(chainName)
	if err != nil {
		return types.FilterSkip, err
	}
	action := d.firewall.Check(chain, dst)
	if !action.Allowed() && !snap.QuietMode {
		d.trace.Logger().Debug().
			Str("chain", chain.Name).
			Str("dest", dst.String()).
			Str("action", action.String()).
			Msg("destination filtered")
	}
	return action, nil
}

// SelectProxies 根据链的策略和当前健康视图返回按拨号顺序排列的代理。
// 选择只针对一个快照进行，并发的重载不会影响正在进行的选择。
func (d *Dispatcher) SelectProxies(ctx context.Context, chainName string, dst types.Address) (*Selection, error) {
	snap, table, chain, err := d.lookup(chainName)
	if err != nil {
		return nil, err
	}

	selector, err := selectorFor(chain.Type, d.random)
	if err != nil {
		return nil, err
	}
	indices, err := selector.Select(chain, func(i int) types.ProxyState {
		return table.Get(health.Key{Chain: chain.Name, Index: i})
	})
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("chain", chain.Name).Msg("Dispatcher: Selection failed.")
		if !snap.QuietMode {
			d.trace.Logger().Debug().Str("chain", chain.Name).Str("dest", dst.String()).Err(err).Msg("no chain available")
		}
		return nil, err
	}

	sel := &Selection{
		Chain:    chain,
		Version:  snap.Version,
		Proxies:  make([]ProxyRef, len(indices)),
		Snapshot: snap,
	}
	for n, i := range indices {
		sel.Proxies[n] = ProxyRef{
			Key:   health.Key{Chain: chain.Name, Index: i},
			Proxy: &chain.Proxies[i],
			table: table,
		}
	}

	if !snap.QuietMode {
		d.trace.Logger().Debug().
			Str("chain", chain.Name).
			Str("policy", chain.Type.String()).
			Msg(sel.Path(dst))
	}
	return sel, nil
}

// ReportDialOutcome 根据拨号结果更新代理的健康状态。
func (d *Dispatcher) ReportDialOutcome(ref ProxyRef, outcome types.DialOutcome) {
	if ref.table == nil {
		return
	}
	old, ok := ref.table.Report(ref.Key, outcome)
	if !ok {
		return
	}
	if old != outcome.State() {
		log.Debug().
			Str("chain", ref.Key.Chain).
			Int("index", ref.Key.Index).
			Str("proxy", ref.Proxy.Addr.String()).
			Str("from", old.String()).
			Str("to", outcome.State().String()).
			Msg("Dispatcher: Proxy state changed.")
	}
}
