package dispatcher

import (
	"fmt"
	"math/rand/v2"

	"chainproxy_nexus/internal/shared/types"
)

// StateView 返回链中第 i 个代理当前的健康状态
type StateView func(i int) types.ProxyState

// Selector defines how a chain policy turns proxies and their health into a dial order.
// It returns indices into chain.Proxies.
type Selector interface {
	Select(chain *types.ProxyChain, state StateView) ([]int, error)
}

// StrictSelector 按声明顺序返回全部代理，不看健康状态。
type StrictSelector struct{}

func (StrictSelector) Select(chain *types.ProxyChain, _ StateView) ([]int, error) {
	if chain.ChainLen > len(chain.Proxies) {
		return nil, &types.ConfigError{
			Chain: chain.Name,
			Msg:   fmt.Sprintf("strict chain_len %d exceeds %d defined proxies", chain.ChainLen, len(chain.Proxies)),
		}
	}
	out := make([]int, len(chain.Proxies))
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// DynamicSelector 按声明顺序收集前 chain_len 个可用代理。
type DynamicSelector struct{}

func (DynamicSelector) Select(chain *types.ProxyChain, state StateView) ([]int, error) {
	out := make([]int, 0, chain.ChainLen)
	for i := range chain.Proxies {
		if !state(i).Usable() {
			continue
		}
		out = append(out, i)
		if len(out) == chain.ChainLen {
			return out, nil
		}
	}
	return nil, &types.SelectionError{Chain: chain.Name, Policy: types.ChainDynamic, Need: chain.ChainLen, Have: len(out)}
}

// RandomSelector 从可用代理中均匀随机地选出 chain_len 个不同的代理。
type RandomSelector struct {
	// IntN returns a uniform value in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

func NewRandomSelector() *RandomSelector {
	return &RandomSelector{IntN: rand.IntN}
}

func (s *RandomSelector) Select(chain *types.ProxyChain, state StateView) ([]int, error) {
	usable := make([]int, 0, len(chain.Proxies))
	for i := range chain.Proxies {
		if state(i).Usable() {
			usable = append(usable, i)
		}
	}
	if len(usable) < chain.ChainLen {
		return nil, &types.SelectionError{Chain: chain.Name, Policy: types.ChainRandom, Need: chain.ChainLen, Have: len(usable)}
	}

	intn := s.IntN
	if intn == nil {
		intn = rand.IntN
	}
	// partial Fisher-Yates: the first ChainLen slots become a uniform sample
	for i := 0; i < chain.ChainLen; i++ {
		j := i + intn(len(usable)-i)
		usable[i], usable[j] = usable[j], usable[i]
	}
	return usable[:chain.ChainLen], nil
}

// selectorFor maps a chain policy to its selector.
func selectorFor(t types.ChainType, random *RandomSelector) (Selector, error) {
	switch t {
	case types.ChainStrict:
		return StrictSelector{}, nil
	case types.ChainDynamic:
		return DynamicSelector{}, nil
	case types.ChainRandom:
		return random, nil
	default:
		return nil, fmt.Errorf("unsupported chain type %s", t)
	}
}
