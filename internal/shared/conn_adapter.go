package shared

import (
	"bufio"
	"net"
)

// BufferedConn 实现了 net.Conn 接口，先读出握手时 bufio.Reader 中剩余的数据，
// 再读底层连接。
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// NewBufferedConn 在 r 中没有剩余数据时直接返回 conn。
func NewBufferedConn(conn net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return conn
	}
	return &BufferedConn{Conn: conn, r: r}
}

func (c *BufferedConn) Read(b []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(b)
	}
	return c.Conn.Read(b)
}

func (c *BufferedConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}
