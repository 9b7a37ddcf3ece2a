package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chainproxy_nexus/internal/shared/types"
)

// LoadChains 读取并解析链配置文件。.yaml/.yml 使用 YAML 格式，其他使用 ini 格式。
// 成功时返回一个新的快照，ConfigTime 为加载时刻；失败时返回 *types.ParseError
// 或 *types.ConfigError。
func LoadChains(path string) (*types.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ParseError{Source: path, Msg: err.Error()}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return ParseIni(path, data)
	}
}

func finish(snap *types.Snapshot) *types.Snapshot {
	snap.Version = uuid.NewString()
	snap.ConfigTime = time.Now()
	return snap
}

// parseProxyLine 解析 "<type> <ipv4> <port> [user [password]]"。
func parseProxyLine(line string) (types.ProxyData, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 5 {
		return types.ProxyData{}, fmt.Errorf("proxy needs '<type> <ip> <port> [user [password]]'")
	}
	pt, err := types.ParseProxyType(fields[0])
	if err != nil {
		return types.ProxyData{}, err
	}
	ip, err := netip.ParseAddr(fields[1])
	if err != nil {
		return types.ProxyData{}, fmt.Errorf("invalid proxy address '%s'", fields[1])
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return types.ProxyData{}, fmt.Errorf("invalid proxy port '%s'", fields[2])
	}
	addr, err := types.NewAddress(ip, port)
	if err != nil {
		return types.ProxyData{}, err
	}

	p := types.ProxyData{Type: pt, Addr: addr}
	if len(fields) > 3 {
		p.User = fields[3]
	}
	if len(fields) > 4 {
		p.Password = fields[4]
	}
	return p, nil
}

// parseFilterLine 解析 "<action> <ipv4>[/<width>][:<port>]"。
func parseFilterLine(line string) (types.NetFilter, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return types.NetFilter{}, fmt.Errorf("filter needs '<action> <ip>[/<width>][:<port>]'")
	}
	action, err := types.ParseFilterAction(fields[0])
	if err != nil {
		return types.NetFilter{}, err
	}
	f, err := types.ParseAddrFilter(fields[1])
	if err != nil {
		return types.NetFilter{}, err
	}
	return types.NetFilter{Action: action, Filter: f}, nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid timeout '%s'", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseChainLen(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid chain_len '%s'", s)
	}
	return n, nil
}

// setting 是一个可选的标量配置项，ok 为 false 时继承默认值。
type setting struct {
	value string
	ok    bool
	line  int
}

// scalars 是全局段与链段共有的键
type scalars struct {
	chainType      setting
	chainLen       setting
	connectTimeout setting
	readTimeout    setting
	filterAction   setting
}

// apply 把已设置的键写入 d。错误返回出错的键名。
func (s scalars) apply(d *types.ChainDefaults) (string, setting, error) {
	if s.chainType.ok {
		t, err := types.ParseChainType(s.chainType.value)
		if err != nil {
			return "type", s.chainType, err
		}
		d.Type = t
	}
	if s.chainLen.ok {
		n, err := parseChainLen(s.chainLen.value)
		if err != nil {
			return "chain_len", s.chainLen, err
		}
		d.ChainLen = n
	}
	if s.connectTimeout.ok {
		v, err := parseMillis(s.connectTimeout.value)
		if err != nil {
			return "tcp_connect_timeout", s.connectTimeout, err
		}
		d.ConnectTimeout = v
	}
	if s.readTimeout.ok {
		v, err := parseMillis(s.readTimeout.value)
		if err != nil {
			return "tcp_read_timeout", s.readTimeout, err
		}
		d.ReadTimeout = v
	}
	if s.filterAction.ok {
		a, err := types.ParseFilterAction(s.filterAction.value)
		if err != nil {
			return "default_filter_action", s.filterAction, err
		}
		d.DefaultFilterAction = a
	}
	return "", setting{}, nil
}
