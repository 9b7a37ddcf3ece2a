// Package tunnel 是链的参考连接器：按选择结果逐跳握手，并把拨号结果报告回健康表。
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"chainproxy_nexus/internal/core/dispatcher"
	"chainproxy_nexus/internal/shared"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
	"chainproxy_nexus/internal/tunnel/httpproxy"
	"chainproxy_nexus/internal/tunnel/socks4proxy"
	"chainproxy_nexus/internal/tunnel/socks5proxy"
)

// ErrFiltered 表示目标被链的过滤列表拒绝 (SKIP 或 REFUSE)。
var ErrFiltered = errors.New("destination filtered")

// Handshaker 在已连接到 p 的 conn 上请求 p 连接 target，返回之后用于读写的连接。
type Handshaker func(conn net.Conn, p *types.ProxyData, target types.Address) (net.Conn, error)

var handshakers = map[types.ProxyType]Handshaker{
	types.ProxyHTTP:   httpproxy.Handshake,
	types.ProxySOCKS4: socks4proxy.Handshake,
	types.ProxySOCKS5: socks5proxy.Handshake,
}

// HandshakerFor 返回代理类型对应的握手函数。
func HandshakerFor(t types.ProxyType) (Handshaker, error) {
	h, ok := handshakers[t]
	if !ok {
		return nil, fmt.Errorf("unsupported proxy type %s", t)
	}
	return h, nil
}

// DialFunc 建立到第一跳的 TCP 连接
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Connector 通过 Dispatcher 选择代理并逐跳建立隧道。
type Connector struct {
	dispatcher *dispatcher.Dispatcher
	dial       DialFunc
	logger     zerolog.Logger
	traffic    shared.Traffic // 经由连接器建立的所有连接
}

// NewConnector 创建一个使用 net.Dialer 拨号的连接器。
func NewConnector(d *dispatcher.Dispatcher) *Connector {
	var nd net.Dialer
	return &Connector{
		dispatcher: d,
		dial:       nd.DialContext,
		logger:     logger.WithComponent("Tunnel"),
	}
}

// WithDialFunc 替换第一跳的拨号函数，返回 c 本身。
func (c *Connector) WithDialFunc(fn DialFunc) *Connector {
	c.dial = fn
	return c
}

// Dial 经由链 chainName 连接 dest。
//
// 第一跳拨号失败时该代理被标为 DOWN；某一跳无法连到下一个代理时下一个代理被标为 DOWN；
// 认证被拒绝时该代理被标为 BLOCKED；握手完成的代理被标为 UP。
// 返回的连接关闭时不会影响健康状态。
func (c *Connector) Dial(ctx context.Context, chainName string, dest types.Address) (net.Conn, error) {
	action, err := c.dispatcher.MatchFilter(chainName, dest)
	if err != nil {
		return nil, err
	}
	if !action.Allowed() {
		return nil, fmt.Errorf("%w: %s by chain '%s' (%s)", ErrFiltered, dest, chainName, action)
	}

	sel, err := c.dispatcher.SelectProxies(ctx, chainName, dest)
	if err != nil {
		return nil, err
	}
	chain := sel.Chain
	first := sel.Proxies[0]

	dialCtx := ctx
	if chain.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, chain.ConnectTimeout)
		defer cancel()
	}
	conn, err := c.dial(dialCtx, "tcp", first.Proxy.Addr.String())
	if err != nil {
		if ctx.Err() == nil {
			c.dispatcher.ReportDialOutcome(first, types.OutcomeOf(err))
		}
		c.logger.Debug().Err(err).Str("chain", chain.Name).Str("proxy", first.Proxy.Addr.String()).Msg("First hop dial failed.")
		return nil, fmt.Errorf("chain '%s': dial %s: %w", chain.Name, first.Proxy.Addr, err)
	}

	// ctx 取消时让阻塞中的握手立即返回
	raw := conn
	stop := context.AfterFunc(ctx, func() { raw.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	for i, ref := range sel.Proxies {
		target := dest
		var next *dispatcher.ProxyRef
		if i+1 < len(sel.Proxies) {
			next = &sel.Proxies[i+1]
			target = next.Proxy.Addr
		}

		conn, err = c.step(conn, chain, ref, target)
		if err == nil {
			c.dispatcher.ReportDialOutcome(ref, types.OutcomeSuccess)
			continue
		}

		switch {
		case errors.Is(err, types.ErrAuthFailed):
			c.dispatcher.ReportDialOutcome(ref, types.OutcomeAuthFailed)
		case next != nil && ctx.Err() == nil:
			c.dispatcher.ReportDialOutcome(ref, types.OutcomeSuccess)
			c.dispatcher.ReportDialOutcome(*next, types.OutcomeOf(err))
		}
		c.logger.Debug().Err(err).Str("chain", chain.Name).Int("hop", i).Msg("Chain handshake failed.")
		return nil, fmt.Errorf("chain '%s': hop %d (%s) -> %s: %w", chain.Name, i, ref.Proxy.Addr, target, err)
	}

	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	c.logger.Debug().Str("chain", chain.Name).Str("path", sel.Path(dest)).Msg("Chain established.")
	return shared.NewCountedConn(conn, &c.traffic), nil
}

// step 在一跳上完成握手，失败时关闭 conn。
func (c *Connector) step(conn net.Conn, chain *types.ProxyChain, ref dispatcher.ProxyRef, target types.Address) (net.Conn, error) {
	hs, err := HandshakerFor(ref.Proxy.Type)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if chain.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(chain.ReadTimeout))
	}
	out, err := hs(conn, ref.Proxy, target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return out, nil
}

// Traffic 返回累计流量和当前未关闭的连接数
func (c *Connector) Traffic() shared.TrafficStats {
	return c.traffic.Stats()
}

// ActiveConnections 返回当前未关闭的连接数
func (c *Connector) ActiveConnections() int64 {
	return c.traffic.Active.Load()
}
