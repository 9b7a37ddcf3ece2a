package types

import (
	"fmt"
	"strings"
)

// ProxyType 定义了上游代理的协议类型
type ProxyType int

const (
	ProxyHTTP ProxyType = iota
	ProxySOCKS4
	ProxySOCKS5
)

// ChainType 定义了代理链的选择策略
type ChainType int

const (
	ChainDynamic ChainType = iota // 按顺序跳过不健康的代理
	ChainStrict                   // 全部代理，按声明顺序
	ChainRandom                   // 从健康代理中随机选取 chain_len 个
)

// FilterAction 是过滤规则对目标地址的判定结果
type FilterAction int

const (
	FilterSkip FilterAction = iota
	FilterAccept
	FilterRefuse
)

var proxyTypeNames = [...]string{"http", "socks4", "socks5"}
var chainTypeNames = [...]string{"dynamic", "strict", "random"}
var filterActionNames = [...]string{"skip", "accept", "refuse"}

func (t ProxyType) String() string {
	return enumName(proxyTypeNames[:], int(t), "ProxyType")
}

func (t ChainType) String() string {
	return enumName(chainTypeNames[:], int(t), "ChainType")
}

func (a FilterAction) String() string {
	return enumName(filterActionNames[:], int(a), "FilterAction")
}

// Allowed 只有 ACCEPT 允许建立连接，SKIP 与 REFUSE 仅在诊断上有区别。
func (a FilterAction) Allowed() bool {
	return a == FilterAccept
}

// ParseProxyType 解析不区分大小写的代理类型名称。
func ParseProxyType(s string) (ProxyType, error) {
	i, err := parseEnum(proxyTypeNames[:], s, "proxy type")
	return ProxyType(i), err
}

// ParseChainType 解析不区分大小写的链类型名称。
func ParseChainType(s string) (ChainType, error) {
	i, err := parseEnum(chainTypeNames[:], s, "chain type")
	return ChainType(i), err
}

// ParseFilterAction 解析不区分大小写的过滤动作名称。
func ParseFilterAction(s string) (FilterAction, error) {
	i, err := parseEnum(filterActionNames[:], s, "filter action")
	return FilterAction(i), err
}

func enumName(names []string, v int, kind string) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("%s(%d)", kind, v)
	}
	return names[v]
}

func parseEnum(names []string, s, kind string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range names {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s '%s'", kind, s)
}
