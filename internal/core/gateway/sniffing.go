package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/sagernet/sing/protocol/socks/socks5"
)

type Protocol string

const (
	ProtoSOCKS5  Protocol = "SOCKS5"
	ProtoHTTP    Protocol = "HTTP"
	ProtoTCP     Protocol = "TCP" // 透明模式，目标来自 SO_ORIGINAL_DST
	ProtoUnknown Protocol = "UNKNOWN"
)

// request 是从入站连接嗅探到的目标
type request struct {
	proto Protocol
	host  string
	port  uint16
	http  *http.Request // 仅 HTTP
}

func (r *request) target() string {
	return net.JoinHostPort(r.host, strconv.Itoa(int(r.port)))
}

// sniffTarget 检查连接的第一个字节，以确定协议并读出目标地址。
// SOCKS5 的方法协商在这里完成，CONNECT 应答留给调用方。
func sniffTarget(conn net.Conn, reader *bufio.Reader) (*request, error) {
	first, err := reader.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial byte: %w", err)
	}

	switch {
	case first[0] == 0x05:
		return sniffSocks5(conn, reader)
	case first[0] >= 'A' && first[0] <= 'Z':
		return sniffHTTP(reader)
	default:
		return nil, fmt.Errorf("could not determine protocol, initial byte: 0x%02x", first[0])
	}
}

func sniffSocks5(conn net.Conn, reader *bufio.Reader) (*request, error) {
	if _, err := socks5.ReadAuthRequest(reader); err != nil {
		return nil, fmt.Errorf("failed to read auth request: %w", err)
	}
	if err := socks5.WriteAuthResponse(conn, socks5.AuthResponse{Method: socks5.AuthTypeNotRequired}); err != nil {
		return nil, fmt.Errorf("failed to write auth response: %w", err)
	}

	socksReq, err := socks5.ReadRequest(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	if socksReq.Command != socks5.CommandConnect {
		writeSocks5Reply(conn, socks5.ReplyCodeUnsupported)
		return nil, fmt.Errorf("unsupported socks5 command: %d", socksReq.Command)
	}
	dest := socksReq.Destination.Unwrap()
	if dest.IsIPv6() {
		writeSocks5Reply(conn, socks5.ReplyCodeAddressTypeUnsupported)
		return nil, fmt.Errorf("unsupported IPv6 destination %s", dest)
	}
	return &request{proto: ProtoSOCKS5, host: dest.AddrString(), port: dest.Port}, nil
}

func sniffHTTP(reader *bufio.Reader) (*request, error) {
	httpReq, err := http.ReadRequest(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTTP request: %w", err)
	}

	hostPort := httpReq.Host
	if httpReq.Method != http.MethodConnect && httpReq.URL.Host != "" {
		hostPort = httpReq.URL.Host
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		host, portStr = hostPort, "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in '%s'", hostPort)
	}
	return &request{proto: ProtoHTTP, host: host, port: uint16(port), http: httpReq}, nil
}
