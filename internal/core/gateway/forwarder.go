package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/sagernet/sing/protocol/socks/socks5"

	"chainproxy_nexus/internal/shared"
	"chainproxy_nexus/internal/shared/types"
	"chainproxy_nexus/internal/tunnel"
)

func writeSocks5Reply(conn net.Conn, code byte) error {
	return socks5.WriteResponse(conn, socks5.Response{ReplyCode: code})
}

// socksReplyFor 把连接器的错误映射为 SOCKS5 应答码。
func socksReplyFor(err error) byte {
	switch {
	case err == nil:
		return socks5.ReplyCodeSuccess
	case errors.Is(err, tunnel.ErrFiltered):
		return socks5.ReplyCodeNotAllowed
	case errors.Is(err, types.ErrInsufficientProxies), errors.Is(err, types.ErrUnknownChain), errors.Is(err, types.ErrNotLoaded):
		return socks5.ReplyCodeFailure
	case types.OutcomeOf(err) == types.OutcomeTimeout:
		return socks5.ReplyCodeHostUnreachable
	default:
		return socks5.ReplyCodeConnectionRefused
	}
}

// httpStatusFor 把连接器的错误映射为 HTTP 状态码。
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrFiltered):
		return http.StatusForbidden
	case types.OutcomeOf(err) == types.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrInsufficientProxies):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeHTTPStatus(conn net.Conn, code int) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
	return err
}

// relay 双向转发数据，直到两个方向都结束。
func relay(inbound net.Conn, inboundReader io.Reader, outbound net.Conn) (up, down int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		up, _ = io.Copy(outbound, inboundReader)
		shared.CloseWrite(outbound)
	}()
	go func() {
		defer wg.Done()
		down, _ = io.Copy(inbound, outbound)
		shared.CloseWrite(inbound)
	}()
	wg.Wait()
	return up, down
}
