package types

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Address 是一个 IPv4 地址加端口，既用作代理端点，也用作过滤目标。
type Address struct {
	IP   netip.Addr
	Port uint16
}

// NewAddress validates that ip is IPv4 and port fits in 0..65535.
func NewAddress(ip netip.Addr, port int) (Address, error) {
	if !ip.Is4() {
		return Address{}, fmt.Errorf("address '%s' is not IPv4", ip)
	}
	if port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("port %d out of range", port)
	}
	return Address{IP: ip, Port: uint16(port)}, nil
}

// ParseAddress 解析 "a.b.c.d:port" 格式。
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address '%s': %w", s, err)
	}
	return NewAddress(ap.Addr().Unmap(), int(ap.Port()))
}

func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a Address) String() string {
	return a.AddrPort().String()
}

// AddrFilter 是 CIDR 风格的 IPv4 网段加可选端口，端口 0 表示任意端口。
// 网段在构造时即被规范化为网络地址。
type AddrFilter struct {
	prefix netip.Prefix
	Port   uint16
}

// NewAddrFilter rejects widths outside 0..32 so that matching never has to.
func NewAddrFilter(ip netip.Addr, maskWidth int, port int) (AddrFilter, error) {
	if !ip.Is4() {
		return AddrFilter{}, fmt.Errorf("filter address '%s' is not IPv4", ip)
	}
	if maskWidth < 0 || maskWidth > 32 {
		return AddrFilter{}, fmt.Errorf("invalid mask width %d", maskWidth)
	}
	if port < 0 || port > 65535 {
		return AddrFilter{}, fmt.Errorf("filter port %d out of range", port)
	}
	prefix, err := ip.Prefix(maskWidth)
	if err != nil {
		return AddrFilter{}, err
	}
	return AddrFilter{prefix: prefix, Port: uint16(port)}, nil
}

// ParseAddrFilter 解析 "ip[/width][:port]"，缺省 width 为 32，缺省 port 为 0。
func ParseAddrFilter(s string) (AddrFilter, error) {
	s = strings.TrimSpace(s)
	port := 0
	if host, portStr, ok := strings.Cut(s, ":"); ok {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return AddrFilter{}, fmt.Errorf("invalid filter port '%s'", portStr)
		}
		s, port = host, p
	}

	width := 32
	if ipStr, widthStr, ok := strings.Cut(s, "/"); ok {
		w, err := strconv.Atoi(widthStr)
		if err != nil {
			return AddrFilter{}, fmt.Errorf("invalid mask width '%s'", widthStr)
		}
		s, width = ipStr, w
	}

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return AddrFilter{}, fmt.Errorf("invalid filter address '%s': %w", s, err)
	}
	return NewAddrFilter(ip, width, port)
}

func (f AddrFilter) IP() netip.Addr { return f.prefix.Addr() }

func (f AddrFilter) MaskWidth() int { return f.prefix.Bits() }

// Matches reports whether dst lies in the filter network and, unless the
// filter port is 0, uses the filter port.
func (f AddrFilter) Matches(dst Address) bool {
	if !f.prefix.IsValid() || !f.prefix.Contains(dst.IP) {
		return false
	}
	return f.Port == 0 || f.Port == dst.Port
}

func (f AddrFilter) String() string {
	if f.Port == 0 {
		return f.prefix.String()
	}
	return f.prefix.String() + ":" + strconv.Itoa(int(f.Port))
}
