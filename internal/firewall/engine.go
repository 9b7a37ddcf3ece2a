// FILE: internal/firewall/engine.go
package firewall

import (
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"

	"github.com/rs/zerolog"
)

// Firewall 接口定义了过滤引擎的行为
type Firewall interface {
	Check(chain *types.ProxyChain, dst types.Address) types.FilterAction
}

// Decision 记录一次匹配的结果。Rule 为 -1 表示使用了链的默认动作。
type Decision struct {
	Action types.FilterAction
	Rule   int
}

// Match 按列表顺序返回第一条匹配规则的动作，没有匹配时返回默认动作。
func Match(filters []types.NetFilter, defaultAction types.FilterAction, dst types.Address) Decision {
	for i := range filters {
		if filters[i].Filter.Matches(dst) {
			return Decision{Action: filters[i].Action, Rule: i}
		}
	}
	return Decision{Action: defaultAction, Rule: -1}
}

// Engine 实现了 Firewall 接口
type Engine struct {
	log zerolog.Logger
}

// NewEngine 创建一个新的过滤引擎实例
func NewEngine() *Engine {
	return &Engine{log: logger.WithComponent("Firewall")}
}

// Check 根据链的过滤列表对目标地址进行判定
func (e *Engine) Check(chain *types.ProxyChain, dst types.Address) types.FilterAction {
	d := Match(chain.Filters, chain.DefaultFilterAction, dst)

	if d.Rule >= 0 {
		e.log.Debug().
			Str("chain", chain.Name).
			Str("action", d.Action.String()).
			Int("rule", d.Rule).
			Str("filter", chain.Filters[d.Rule].Filter.String()).
			Str("dest", dst.String()).
			Msg("Filter rule matched.")
	} else {
		e.log.Debug().
			Str("chain", chain.Name).
			Str("action", d.Action.String()).
			Str("reason", "No rule matched, chain default").
			Str("dest", dst.String()).
			Msg("Filter check finished.")
	}
	return d.Action
}
