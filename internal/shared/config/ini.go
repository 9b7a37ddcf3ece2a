package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"chainproxy_nexus/internal/shared/types"
)

const chainSectionPrefix = "chain."

// ParseIni 解析 ini 格式的链配置：
//
//	[common]
//	quiet_mode = false
//	proxy_dns = true
//	chain_type = dynamic
//	chain_len = 1
//	tcp_connect_timeout = 10000
//	tcp_read_timeout = 4000
//	default_filter_action = skip
//
//	[chain.c1]
//	type = strict
//	proxy = socks5 192.168.1.10 1080 user pass
//	proxy = http 10.0.0.1 8080
//	filter = refuse 10.0.0.0/8
//	filter = accept 192.168.0.0/16:443
//
// 链段中未设置的键继承 [chain] 段，再继承 [common]。重复的链段保持独立，
// 由 AddChain 报告重名。
func ParseIni(source string, data []byte) (*types.Snapshot, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, AllowNonUniqueSections: true}, data)
	if err != nil {
		return nil, &types.ParseError{Source: source, Msg: err.Error()}
	}

	snap := types.NewSnapshot()
	common := f.Section("common")
	for key, target := range map[string]*bool{"quiet_mode": &snap.QuietMode, "proxy_dns": &snap.ProxyDNS} {
		if !common.HasKey(key) {
			continue
		}
		v, err := common.Key(key).Bool()
		if err != nil {
			return nil, iniError(source, common, key, common.Key(key).String(), err)
		}
		*target = v
	}

	globals := scalars{
		chainType:      iniSetting(common, "chain_type"),
		chainLen:       iniSetting(common, "chain_len"),
		connectTimeout: iniSetting(common, "tcp_connect_timeout"),
		readTimeout:    iniSetting(common, "tcp_read_timeout"),
		filterAction:   iniSetting(common, "default_filter_action"),
	}
	if key, s, err := globals.apply(&snap.Defaults); err != nil {
		if key == "type" {
			key = "chain_type"
		}
		return nil, iniError(source, common, key, s.value, err)
	}

	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), chainSectionPrefix)
		if !ok {
			continue
		}
		chain, err := iniChain(source, sec, name, snap.Defaults)
		if err != nil {
			return nil, err
		}
		if err := snap.AddChain(chain); err != nil {
			return nil, err
		}
	}
	return finish(snap), nil
}

func iniChain(source string, sec *ini.Section, name string, defaults types.ChainDefaults) (*types.ProxyChain, error) {
	local := scalars{
		chainType:      iniSetting(sec, "type"),
		chainLen:       iniSetting(sec, "chain_len"),
		connectTimeout: iniSetting(sec, "tcp_connect_timeout"),
		readTimeout:    iniSetting(sec, "tcp_read_timeout"),
		filterAction:   iniSetting(sec, "default_filter_action"),
	}
	if key, s, err := local.apply(&defaults); err != nil {
		return nil, iniError(source, sec, key, s.value, err)
	}
	chain := types.NewProxyChain(name, defaults)

	if sec.HasKey("proxy") {
		for i, v := range sec.Key("proxy").ValueWithShadows() {
			p, err := parseProxyLine(v)
			if err != nil {
				return nil, iniError(source, sec, fmt.Sprintf("proxy #%d", i+1), v, err)
			}
			chain.Proxies = append(chain.Proxies, p)
		}
	}
	if sec.HasKey("filter") {
		for i, v := range sec.Key("filter").ValueWithShadows() {
			nf, err := parseFilterLine(v)
			if err != nil {
				return nil, iniError(source, sec, fmt.Sprintf("filter #%d", i+1), v, err)
			}
			chain.Filters = append(chain.Filters, nf)
		}
	}
	return chain, nil
}

func iniSetting(sec *ini.Section, key string) setting {
	if !sec.HasKey(key) {
		return setting{}
	}
	return setting{value: sec.Key(key).String(), ok: true}
}

// iniError 无法提供行号，位置用 "文件 [段] 键" 表示。
func iniError(source string, sec *ini.Section, key, token string, err error) *types.ParseError {
	return &types.ParseError{
		Source: fmt.Sprintf("%s [%s] %s", source, sec.Name(), key),
		Token:  token,
		Msg:    err.Error(),
	}
}
