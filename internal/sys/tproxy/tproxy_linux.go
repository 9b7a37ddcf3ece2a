//go:build linux

package tproxy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// OriginalDst 从一个被 iptables REDIRECT 的 TCP 连接中取出原始目标地址 (仅 IPv4)。
func OriginalDst(conn net.Conn) (netip.AddrPort, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, errors.New("not a TCP connection")
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, err
	}

	var mreq *unix.IPv6Mreq
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		// SO_ORIGINAL_DST 返回 sockaddr_in，借用 IPv6Mreq 的 16 字节缓冲区读取
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
	}); err != nil {
		return netip.AddrPort{}, err
	}
	if sockErr != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockopt(SO_ORIGINAL_DST) failed: %w", sockErr)
	}

	// sin_family (2 bytes), sin_port (2 bytes, big endian), sin_addr (4 bytes)
	b := mreq.Multiaddr
	ip := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
	port := uint16(b[2])<<8 | uint16(b[3])
	return netip.AddrPortFrom(ip, port), nil
}
