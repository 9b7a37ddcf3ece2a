package socks4proxy

import (
	"fmt"
	"net"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/common/varbin"
	"github.com/sagernet/sing/protocol/socks/socks4"

	"chainproxy_nexus/internal/shared/types"
)

// Handshake 在已连接到 p 的 conn 上发送 SOCKS4 CONNECT。p.User 作为 USERID 发送；
// 92/93 (identd 校验失败) 被视为认证失败。
func Handshake(conn net.Conn, p *types.ProxyData, target types.Address) (net.Conn, error) {
	req := socks4.Request{
		Command:     socks4.CommandConnect,
		Destination: M.SocksaddrFrom(target.IP, target.Port),
		Username:    p.User,
	}
	if err := socks4.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("socks4: failed to write request to %s: %w", p.Addr, err)
	}

	resp, err := socks4.ReadResponse(varbin.StubReader(conn))
	if err != nil {
		return nil, fmt.Errorf("socks4: failed to read reply from %s: %w", p.Addr, err)
	}

	switch resp.ReplyCode {
	case socks4.ReplyCodeGranted:
		return conn, nil
	case socks4.ReplyCodeCannotConnectToIdentd, socks4.ReplyCodeIdentdReportDifferentUserID:
		return nil, fmt.Errorf("socks4: %s rejected user '%s': %w", p.Addr, p.User, types.ErrAuthFailed)
	case socks4.ReplyCodeRejectedOrFailed:
		return nil, fmt.Errorf("socks4: %s rejected CONNECT %s", p.Addr, target)
	default:
		return nil, fmt.Errorf("socks4: %s sent unknown reply code %d", p.Addr, resp.ReplyCode)
	}
}
