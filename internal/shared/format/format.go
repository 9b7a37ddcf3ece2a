// Package format 把快照渲染为可读文本或 JSON，不做任何 I/O 以外的事情。
package format

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/types"
)

const maskedSecret = "***"

// Text 以缩进文本形式写出快照，密码被遮蔽。
func Text(w io.Writer, snap *types.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot %s (loaded %s)\n", snap.Version, snap.ConfigTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  quiet_mode=%t proxy_dns=%t\n", snap.QuietMode, snap.ProxyDNS)
	d := snap.Defaults
	fmt.Fprintf(&b, "  defaults: type=%s chain_len=%d connect=%s read=%s filter=%s\n",
		d.Type, d.ChainLen, d.ConnectTimeout, d.ReadTimeout, d.DefaultFilterAction)

	for _, c := range snap.Chains {
		fmt.Fprintf(&b, "chain %s: type=%s chain_len=%d connect=%s read=%s default=%s\n",
			c.Name, c.Type, c.ChainLen, c.ConnectTimeout, c.ReadTimeout, c.DefaultFilterAction)
		for i := range c.Proxies {
			fmt.Fprintf(&b, "  proxy[%d] %s\n", i, Proxy(&c.Proxies[i]))
		}
		for i, f := range c.Filters {
			fmt.Fprintf(&b, "  filter[%d] %s %s\n", i, f.Action, f.Filter)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Proxy 渲染单个代理，例如 "socks5 user:***@10.0.0.1:1080"。
func Proxy(p *types.ProxyData) string {
	if !p.HasAuth() {
		return fmt.Sprintf("%s %s", p.Type, p.Addr)
	}
	secret := ""
	if p.Password != "" {
		secret = ":" + maskedSecret
	}
	return fmt.Sprintf("%s %s%s@%s", p.Type, p.User, secret, p.Addr)
}

// SnapshotView 是快照的 JSON 视图，供 -dump 与 /api/status 使用。
type SnapshotView struct {
	Version    string      `json:"version"`
	ConfigTime time.Time   `json:"config_time"`
	QuietMode  bool        `json:"quiet_mode"`
	ProxyDNS   bool        `json:"proxy_dns"`
	Chains     []ChainView `json:"chains"`
}

type ChainView struct {
	Name                string       `json:"name"`
	Type                string       `json:"type"`
	ChainLen            int          `json:"chain_len"`
	ConnectTimeoutMs    int64        `json:"tcp_connect_timeout"`
	ReadTimeoutMs       int64        `json:"tcp_read_timeout"`
	DefaultFilterAction string       `json:"default_filter_action"`
	Proxies             []ProxyView  `json:"proxies"`
	Filters             []FilterView `json:"filters"`
}

type ProxyView struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	User    string `json:"user,omitempty"`
	State   string `json:"state,omitempty"`
}

type FilterView struct {
	Action string `json:"action"`
	Filter string `json:"filter"`
}

// View 构建快照的 JSON 视图。table 为 nil 时不包含健康状态。
func View(snap *types.Snapshot, table *health.Table) SnapshotView {
	v := SnapshotView{
		Version:    snap.Version,
		ConfigTime: snap.ConfigTime,
		QuietMode:  snap.QuietMode,
		ProxyDNS:   snap.ProxyDNS,
		Chains:     make([]ChainView, 0, len(snap.Chains)),
	}
	for _, c := range snap.Chains {
		cv := ChainView{
			Name:                c.Name,
			Type:                c.Type.String(),
			ChainLen:            c.ChainLen,
			ConnectTimeoutMs:    c.ConnectTimeout.Milliseconds(),
			ReadTimeoutMs:       c.ReadTimeout.Milliseconds(),
			DefaultFilterAction: c.DefaultFilterAction.String(),
			Proxies:             make([]ProxyView, len(c.Proxies)),
			Filters:             make([]FilterView, len(c.Filters)),
		}
		for i, p := range c.Proxies {
			pv := ProxyView{Type: p.Type.String(), Address: p.Addr.String(), User: p.User}
			if table != nil {
				pv.State = table.Get(health.Key{Chain: c.Name, Index: i}).String()
			}
			cv.Proxies[i] = pv
		}
		for i, f := range c.Filters {
			cv.Filters[i] = FilterView{Action: f.Action.String(), Filter: f.Filter.String()}
		}
		v.Chains = append(v.Chains, cv)
	}
	return v
}

// JSON 序列化快照视图，密码永远不会出现在输出中。
func JSON(snap *types.Snapshot, table *health.Table) ([]byte, error) {
	return json.MarshalIndent(View(snap, table), "", "  ")
}
