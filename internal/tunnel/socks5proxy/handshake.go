package socks5proxy

import (
	"fmt"
	"net"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/common/varbin"
	"github.com/sagernet/sing/protocol/socks/socks5"

	"chainproxy_nexus/internal/shared/types"
)

// Handshake 在已连接到 p 的 conn 上执行 SOCKS5 握手 (可选用户名/密码认证)，
// 请求 p 连接 target。认证被拒绝时返回 types.ErrAuthFailed。
func Handshake(conn net.Conn, p *types.ProxyData, target types.Address) (net.Conn, error) {
	methods := []byte{socks5.AuthTypeNotRequired}
	if p.HasAuth() {
		methods = append(methods, socks5.AuthTypeUsernamePassword)
	}
	if err := socks5.WriteAuthRequest(conn, socks5.AuthRequest{Methods: methods}); err != nil {
		return nil, fmt.Errorf("socks5: failed to write auth request to %s: %w", p.Addr, err)
	}

	// 逐字节读取，握手之后的数据留在 conn 中
	reader := varbin.StubReader(conn)
	authResp, err := socks5.ReadAuthResponse(reader)
	if err != nil {
		return nil, fmt.Errorf("socks5: failed to read auth response from %s: %w", p.Addr, err)
	}
	switch authResp.Method {
	case socks5.AuthTypeNotRequired:
	case socks5.AuthTypeUsernamePassword:
		if !p.HasAuth() {
			return nil, fmt.Errorf("socks5: %s requires credentials: %w", p.Addr, types.ErrAuthFailed)
		}
		if err := authenticate(conn, reader, p); err != nil {
			return nil, err
		}
	case socks5.AuthTypeNoAcceptedMethods:
		return nil, fmt.Errorf("socks5: %s accepted none of the offered methods: %w", p.Addr, types.ErrAuthFailed)
	default:
		return nil, fmt.Errorf("socks5: %s selected unsupported auth method %d", p.Addr, authResp.Method)
	}

	req := socks5.Request{
		Command:     socks5.CommandConnect,
		Destination: M.SocksaddrFrom(target.IP, target.Port),
	}
	if err := socks5.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("socks5: failed to write request to %s: %w", p.Addr, err)
	}
	resp, err := socks5.ReadResponse(reader)
	if err != nil {
		return nil, fmt.Errorf("socks5: failed to read reply from %s: %w", p.Addr, err)
	}
	if resp.ReplyCode != socks5.ReplyCodeSuccess {
		return nil, fmt.Errorf("socks5: %s -> %s: request rejected, code %d", p.Addr, target, resp.ReplyCode)
	}
	return conn, nil
}

func authenticate(conn net.Conn, reader varbin.Reader, p *types.ProxyData) error {
	err := socks5.WriteUsernamePasswordAuthRequest(conn, socks5.UsernamePasswordAuthRequest{
		Username: p.User,
		Password: p.Password,
	})
	if err != nil {
		return fmt.Errorf("socks5: failed to write credentials to %s: %w", p.Addr, err)
	}
	resp, err := socks5.ReadUsernamePasswordAuthResponse(reader)
	if err != nil {
		return fmt.Errorf("socks5: failed to read auth status from %s: %w", p.Addr, err)
	}
	if resp.Status != socks5.UsernamePasswordStatusSuccess {
		return fmt.Errorf("socks5: %s rejected user '%s': %w", p.Addr, p.User, types.ErrAuthFailed)
	}
	return nil
}
