// Package gateway 是本地入口：接受 SOCKS5 或 HTTP 代理请求，经由一条配置好的链转发。
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sagernet/sing/protocol/socks/socks5"

	"chainproxy_nexus/internal/service/web"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
	"chainproxy_nexus/internal/sys/tproxy"
)

// ChainDialer 经由命名的链连接目标，tunnel.Connector 实现了它。
type ChainDialer interface {
	Dial(ctx context.Context, chainName string, dest types.Address) (net.Conn, error)
}

type Gateway struct {
	listener   net.Listener
	listenPort int
	chain      string
	dialer     ChainDialer
	resolver   *net.Resolver
	hub        *web.Hub // 可以为 nil
	log        zerolog.Logger

	transparent bool
	originalDst func(net.Conn) (netip.AddrPort, error)
	snapshot    func() *types.Snapshot // 可以为 nil
	warnedDNS   atomic.Bool

	conns     sync.Map // net.Conn -> struct{}，Close 时一并关闭
	closeOnce sync.Once
	waitGroup sync.WaitGroup
}

func New(listenPort int, chain string, dialer ChainDialer, hub *web.Hub) *Gateway {
	return &Gateway{
		listenPort:  listenPort,
		chain:       chain,
		dialer:      dialer,
		resolver:    net.DefaultResolver,
		hub:         hub,
		log:         logger.WithComponent("Gateway"),
		originalDst: tproxy.OriginalDst,
	}
}

// WithSnapshot 提供当前快照，用于读取 proxy_dns 等全局选项。
func (g *Gateway) WithSnapshot(fn func() *types.Snapshot) *Gateway {
	g.snapshot = fn
	return g
}

// WithTransparent 让网关不再嗅探协议，而是从被 REDIRECT 的连接上读取原始目标。
func (g *Gateway) WithTransparent() *Gateway {
	g.transparent = true
	return g
}

// InitializeListener 负责监听端口并准备服务，但不阻塞。
// 它返回实际监听的端口号。
func (g *Gateway) InitializeListener() (int, error) {
	listenAddr := fmt.Sprintf("127.0.0.1:%d", g.listenPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	g.listener = listener
	g.log.Info().Str("listen_addr", listener.Addr().String()).Str("chain", g.chain).Msg(">>> Gateway is listening.")
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Serve 启动阻塞的 accept 循环。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve() {
	if g.listener == nil {
		g.log.Error().Msg("Gateway.Serve() called before InitializeListener()")
		return
	}
	g.waitGroup.Add(1)
	g.acceptLoop()
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				g.log.Info().Msg("Gateway listener is closing.")
				return
			}
			g.log.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(inboundConn net.Conn) {
	defer g.waitGroup.Done()
	g.conns.Store(inboundConn, struct{}{})
	defer func() {
		g.conns.Delete(inboundConn)
		inboundConn.Close()
	}()

	l := log.With().Str("trace_id", uuid.NewString()).Logger()
	ctx := l.WithContext(context.Background())
	clientIP := inboundConn.RemoteAddr().String()
	inboundReader := bufio.NewReader(inboundConn)

	var req *request
	var err error
	if g.transparent {
		req, err = g.redirectedTarget(inboundConn)
	} else {
		req, err = sniffTarget(inboundConn, inboundReader)
	}
	if err != nil {
		l.Warn().Err(err).Str("client_ip", clientIP).Msg("Gateway: could not determine target")
		return
	}
	g.traffic(clientIP, req, "Intercepted", "")

	dest, err := g.resolve(ctx, req.host, req.port)
	if err == nil {
		var outbound net.Conn
		outbound, err = g.dialer.Dial(ctx, g.chain, dest)
		if err == nil {
			defer outbound.Close()
			g.forward(inboundConn, inboundReader, req, outbound, clientIP)
			return
		}
	}

	l.Debug().Err(err).Str("client_ip", clientIP).Str("target", req.target()).Msg("Gateway: chain dial failed")
	g.traffic(clientIP, req, "Failed", err.Error())
	switch req.proto {
	case ProtoSOCKS5:
		writeSocks5Reply(inboundConn, socksReplyFor(err))
	case ProtoHTTP:
		writeHTTPStatus(inboundConn, httpStatusFor(err))
	}
}

func (g *Gateway) forward(inboundConn net.Conn, inboundReader *bufio.Reader, req *request, outbound net.Conn, clientIP string) {
	switch req.proto {
	case ProtoSOCKS5:
		if err := writeSocks5Reply(inboundConn, socks5.ReplyCodeSuccess); err != nil {
			return
		}
	case ProtoHTTP:
		if req.http.Method == "CONNECT" {
			if _, err := inboundConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
				return
			}
		} else {
			// 普通 HTTP 请求以 origin-form 转发
			req.http.Header.Del("Proxy-Connection")
			req.http.Header.Del("Proxy-Authorization")
			if err := req.http.Write(outbound); err != nil {
				return
			}
		}
	}
	g.traffic(clientIP, req, "Established", g.chain)

	up, down := relay(inboundConn, inboundReader, outbound)
	g.log.Debug().Str("client_ip", clientIP).Str("target", req.target()).
		Int64("up", up).Int64("down", down).Msg("Gateway: session finished.")
}

func (g *Gateway) redirectedTarget(conn net.Conn) (*request, error) {
	dst, err := g.originalDst(conn)
	if err != nil {
		return nil, err
	}
	return &request{proto: ProtoTCP, host: dst.Addr().String(), port: dst.Port()}, nil
}

// resolve 只接受 IPv4；域名在本地解析为第一个 IPv4 地址。
func (g *Gateway) resolve(ctx context.Context, host string, port uint16) (types.Address, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return types.NewAddress(ip.Unmap(), int(port))
	}
	if g.proxyDNS() {
		// 链只接受 IPv4 目标，域名无法交给代理解析
		if !g.warnedDNS.Swap(true) {
			g.log.Warn().Msg("proxy_dns is set but the gateway resolves hostnames locally.")
		}
		g.log.Debug().Str("host", host).Msg("Gateway: resolving locally despite proxy_dns.")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ips, err := g.resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return types.Address{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return types.Address{}, fmt.Errorf("resolve %s: no IPv4 address", host)
	}
	return types.NewAddress(ips[0].Unmap(), int(port))
}

func (g *Gateway) proxyDNS() bool {
	if g.snapshot == nil {
		return false
	}
	snap := g.snapshot()
	return snap != nil && snap.ProxyDNS
}

func (g *Gateway) traffic(clientIP string, req *request, action, target string) {
	if g.hub == nil {
		return
	}
	g.hub.BroadcastTrafficLog(&web.TrafficLogEntry{
		Timestamp:   time.Now(),
		ClientIP:    clientIP,
		Protocol:    string(req.proto),
		Destination: req.target(),
		Action:      action,
		Target:      target,
	})
}

func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.listener != nil {
			g.listener.Close()
		}
		g.conns.Range(func(k, _ any) bool {
			k.(net.Conn).Close()
			return true
		})
		g.waitGroup.Wait()
		g.log.Info().Msg("Gateway has been shut down")
	})
}
