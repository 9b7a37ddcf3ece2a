package shared

import (
	"net"
	"sync/atomic"
)

// Traffic 累计一组连接的上下行字节数和当前打开的连接数。
type Traffic struct {
	Uplink   atomic.Uint64
	Downlink atomic.Uint64
	Active   atomic.Int64
}

// TrafficStats 是 Traffic 某一时刻的快照
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
	Active   int64  `json:"active"`
}

func (t *Traffic) Stats() TrafficStats {
	return TrafficStats{Uplink: t.Uplink.Load(), Downlink: t.Downlink.Load(), Active: t.Active.Load()}
}

// CountedConn 把读写字节计入 Traffic，并在创建与关闭时增减 Active。
// Close 只生效一次，重复调用返回 nil。
type CountedConn struct {
	net.Conn
	traffic *Traffic
	closed  atomic.Bool
}

func NewCountedConn(conn net.Conn, t *Traffic) *CountedConn {
	t.Active.Add(1)
	return &CountedConn{Conn: conn, traffic: t}
}

// Read 增加下行流量计数
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.traffic.Downlink.Add(uint64(n))
	}
	return n, err
}

// Write 增加上行流量计数
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.traffic.Uplink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.traffic.Active.Add(-1)
	return c.Conn.Close()
}

func (c *CountedConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

// CloseWrite 半关闭 conn 的写方向。conn 不支持半关闭时整体关闭。
func CloseWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}
