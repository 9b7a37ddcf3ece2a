package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"chainproxy_nexus/internal/shared/types"
)

// yamlDoc 与 ini 格式等价的 YAML 结构。标量保留为 yaml.Node 以便报告行号。
//
//	quiet_mode: false
//	chain_type: dynamic
//	chains:
//	  - name: c1
//	    type: strict
//	    proxies:
//	      - socks5 192.168.1.10 1080 user pass
//	    filters:
//	      - refuse 10.0.0.0/8
type yamlDoc struct {
	QuietMode           bool        `yaml:"quiet_mode"`
	ProxyDNS            bool        `yaml:"proxy_dns"`
	ChainType           yaml.Node   `yaml:"chain_type"`
	ChainLen            yaml.Node   `yaml:"chain_len"`
	ConnectTimeout      yaml.Node   `yaml:"tcp_connect_timeout"`
	ReadTimeout         yaml.Node   `yaml:"tcp_read_timeout"`
	DefaultFilterAction yaml.Node   `yaml:"default_filter_action"`
	Chains              []yaml.Node `yaml:"chains"`
}

type yamlChain struct {
	Name                yaml.Node   `yaml:"name"`
	Type                yaml.Node   `yaml:"type"`
	ChainLen            yaml.Node   `yaml:"chain_len"`
	ConnectTimeout      yaml.Node   `yaml:"tcp_connect_timeout"`
	ReadTimeout         yaml.Node   `yaml:"tcp_read_timeout"`
	DefaultFilterAction yaml.Node   `yaml:"default_filter_action"`
	Proxies             []yaml.Node `yaml:"proxies"`
	Filters             []yaml.Node `yaml:"filters"`
}

// ParseYAML 解析 YAML 格式的链配置。
func ParseYAML(source string, data []byte) (*types.Snapshot, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &types.ParseError{Source: source, Msg: err.Error()}
	}

	snap := types.NewSnapshot()
	snap.QuietMode = doc.QuietMode
	snap.ProxyDNS = doc.ProxyDNS

	globals := scalars{
		chainType:      yamlSetting(&doc.ChainType),
		chainLen:       yamlSetting(&doc.ChainLen),
		connectTimeout: yamlSetting(&doc.ConnectTimeout),
		readTimeout:    yamlSetting(&doc.ReadTimeout),
		filterAction:   yamlSetting(&doc.DefaultFilterAction),
	}
	if _, s, err := globals.apply(&snap.Defaults); err != nil {
		return nil, yamlError(source, s.line, s.value, err)
	}

	for i := range doc.Chains {
		node := &doc.Chains[i]
		var yc yamlChain
		if err := node.Decode(&yc); err != nil {
			return nil, yamlError(source, node.Line, "", err)
		}
		chain, err := yamlToChain(source, &yc, snap.Defaults)
		if err != nil {
			return nil, err
		}
		if err := snap.AddChain(chain); err != nil {
			return nil, err
		}
	}
	return finish(snap), nil
}

func yamlToChain(source string, yc *yamlChain, defaults types.ChainDefaults) (*types.ProxyChain, error) {
	local := scalars{
		chainType:      yamlSetting(&yc.Type),
		chainLen:       yamlSetting(&yc.ChainLen),
		connectTimeout: yamlSetting(&yc.ConnectTimeout),
		readTimeout:    yamlSetting(&yc.ReadTimeout),
		filterAction:   yamlSetting(&yc.DefaultFilterAction),
	}
	if _, s, err := local.apply(&defaults); err != nil {
		return nil, yamlError(source, s.line, s.value, err)
	}
	chain := types.NewProxyChain(yc.Name.Value, defaults)

	for i := range yc.Proxies {
		n := &yc.Proxies[i]
		if n.Kind != yaml.ScalarNode {
			return nil, yamlError(source, n.Line, "", fmt.Errorf("proxy entry must be a string"))
		}
		p, err := parseProxyLine(n.Value)
		if err != nil {
			return nil, yamlError(source, n.Line, n.Value, err)
		}
		chain.Proxies = append(chain.Proxies, p)
	}
	for i := range yc.Filters {
		n := &yc.Filters[i]
		if n.Kind != yaml.ScalarNode {
			return nil, yamlError(source, n.Line, "", fmt.Errorf("filter entry must be a string"))
		}
		nf, err := parseFilterLine(n.Value)
		if err != nil {
			return nil, yamlError(source, n.Line, n.Value, err)
		}
		chain.Filters = append(chain.Filters, nf)
	}
	return chain, nil
}

func yamlSetting(n *yaml.Node) setting {
	if n.Kind != yaml.ScalarNode {
		return setting{}
	}
	return setting{value: n.Value, ok: true, line: n.Line}
}

func yamlError(source string, line int, token string, err error) *types.ParseError {
	return &types.ParseError{Source: source, Line: line, Token: token, Msg: err.Error()}
}
