package types

import (
	"fmt"
	"time"
)

// ProxyData 描述一个上游代理。凭据在构造后不再修改，
// 运行时健康状态保存在 health.Table 中，而不在这里。
type ProxyData struct {
	Type     ProxyType
	Addr     Address
	User     string
	Password string
}

// HasAuth reports whether credentials were configured for this proxy.
func (p *ProxyData) HasAuth() bool {
	return p.User != "" || p.Password != ""
}

// NetFilter 是过滤列表中的一条规则
type NetFilter struct {
	Action FilterAction
	Filter AddrFilter
}

// ChainDefaults 保存全局默认值，链中未显式设置的字段继承这些值。
type ChainDefaults struct {
	Type                ChainType
	ChainLen            int
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	DefaultFilterAction FilterAction
}

// DefaultChainDefaults returns the values used when the config omits them.
func DefaultChainDefaults() ChainDefaults {
	return ChainDefaults{
		Type:                ChainDynamic,
		ChainLen:            1,
		ConnectTimeout:      10 * time.Second,
		ReadTimeout:         4 * time.Second,
		DefaultFilterAction: FilterSkip,
	}
}

// ProxyChain 是一条命名的代理链：策略、超时、有序代理列表和有序过滤列表。
type ProxyChain struct {
	Name                string
	Type                ChainType
	ChainLen            int
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	DefaultFilterAction FilterAction
	Proxies             []ProxyData
	Filters             []NetFilter
}

// NewProxyChain creates an empty chain that inherits every setting from d.
func NewProxyChain(name string, d ChainDefaults) *ProxyChain {
	return &ProxyChain{
		Name:                name,
		Type:                d.Type,
		ChainLen:            d.ChainLen,
		ConnectTimeout:      d.ConnectTimeout,
		ReadTimeout:         d.ReadTimeout,
		DefaultFilterAction: d.DefaultFilterAction,
	}
}

// Validate 检查链的静态约束，违反时返回 *ConfigError。
func (c *ProxyChain) Validate() error {
	if c.Name == "" {
		return &ConfigError{Msg: "chain name must not be empty"}
	}
	if len(c.Proxies) == 0 {
		return &ConfigError{Chain: c.Name, Msg: "chain has no proxies"}
	}
	if c.ChainLen < 1 {
		return &ConfigError{Chain: c.Name, Msg: fmt.Sprintf("chain_len must be at least 1, got %d", c.ChainLen)}
	}
	if c.Type == ChainStrict && c.ChainLen > len(c.Proxies) {
		return &ConfigError{
			Chain: c.Name,
			Msg:   fmt.Sprintf("strict chain_len %d exceeds %d defined proxies", c.ChainLen, len(c.Proxies)),
		}
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 {
		return &ConfigError{Chain: c.Name, Msg: "timeouts must not be negative"}
	}
	for i, p := range c.Proxies {
		if p.Addr.Port == 0 {
			return &ConfigError{Chain: c.Name, Msg: fmt.Sprintf("proxy #%d (%s) has port 0", i+1, p.Addr)}
		}
	}
	return nil
}

// Snapshot 是一次完整加载得到的配置版本。加载后视为只读。
type Snapshot struct {
	Version    string
	QuietMode  bool
	ProxyDNS   bool
	Defaults   ChainDefaults
	Chains     []*ProxyChain
	ConfigTime time.Time

	byName map[string]*ProxyChain
}

// NewSnapshot creates an empty snapshot with the built-in defaults.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Defaults: DefaultChainDefaults(),
		byName:   make(map[string]*ProxyChain),
	}
}

// AddChain appends c, rejecting invalid chains and duplicate names.
func (s *Snapshot) AddChain(c *ProxyChain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if s.byName == nil {
		s.byName = make(map[string]*ProxyChain)
	}
	if _, exists := s.byName[c.Name]; exists {
		return &ConfigError{Chain: c.Name, Msg: "duplicate chain name"}
	}
	s.byName[c.Name] = c
	s.Chains = append(s.Chains, c)
	return nil
}

// Chain 按名称查找链。
func (s *Snapshot) Chain(name string) (*ProxyChain, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// Clear 清空所有链并恢复默认值。
func (s *Snapshot) Clear() {
	s.QuietMode = false
	s.ProxyDNS = false
	s.Defaults = DefaultChainDefaults()
	s.Chains = nil
	s.byName = make(map[string]*ProxyChain)
	s.ConfigTime = time.Time{}
}
