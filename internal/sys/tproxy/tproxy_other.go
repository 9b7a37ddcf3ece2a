//go:build !linux

package tproxy

import (
	"errors"
	"net"
	"net/netip"
)

// OriginalDst 在非 Linux 系统上的存根实现
func OriginalDst(conn net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.New("transparent proxy is not supported on this platform")
}
