package httpproxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"chainproxy_nexus/internal/shared"
	"chainproxy_nexus/internal/shared/types"
)

const userAgent = "chainproxy/1.0"

// Handshake 通过已连接到 p 的 conn 发送 HTTP CONNECT，请求 p 打通到 target 的隧道。
// 407 被视为认证失败 (types.ErrAuthFailed)。
func Handshake(conn net.Conn, p *types.ProxyData, target types.Address) (net.Conn, error) {
	host := target.String()
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: host},
		Host:   host,
		Header: make(http.Header),
	}
	if p.HasAuth() {
		auth := p.User + ":" + p.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	connectReq.Header.Set("User-Agent", userAgent)

	if err := connectReq.Write(conn); err != nil {
		return nil, fmt.Errorf("http: failed to write CONNECT to %s: %w", p.Addr, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, fmt.Errorf("http: failed to read CONNECT response from %s: %w", p.Addr, err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return shared.NewBufferedConn(conn, br), nil
	case http.StatusProxyAuthRequired:
		return nil, fmt.Errorf("http: %s: %w", p.Addr, types.ErrAuthFailed)
	default:
		return nil, fmt.Errorf("http: %s refused CONNECT %s: %s", p.Addr, host, resp.Status)
	}
}
