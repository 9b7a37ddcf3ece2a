package tunnel

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"chainproxy_nexus/internal/shared/types"
)

// fakeProxy 是一个只支持 CONNECT 的最小上游代理，用于在回环地址上组成测试链。
type fakeProxy struct {
	ln   net.Listener
	kind types.ProxyType
	user string
	pass string
}

func startProxy(t *testing.T, kind types.ProxyType, user, pass string) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fp := &fakeProxy{ln: ln, kind: kind, user: user, pass: pass}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go fp.serve(c)
		}
	}()
	return fp
}

func (fp *fakeProxy) data() types.ProxyData {
	return types.ProxyData{Type: fp.kind, Addr: listenerAddr(fp.ln), User: fp.user, Password: fp.pass}
}

func (fp *fakeProxy) withCredentials(user, pass string) types.ProxyData {
	d := fp.data()
	d.User, d.Password = user, pass
	return d
}

func listenerAddr(ln net.Listener) types.Address {
	ap := ln.Addr().(*net.TCPAddr).AddrPort()
	return types.Address{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// deadAddr 返回一个没有监听者的回环地址。
func deadAddr(t *testing.T) types.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listenerAddr(ln)
	ln.Close()
	return addr
}

func startEcho(t *testing.T) types.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return listenerAddr(ln)
}

func (fp *fakeProxy) serve(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	switch fp.kind {
	case types.ProxyHTTP:
		fp.serveHTTP(c, br)
	case types.ProxySOCKS4:
		fp.serveSOCKS4(c, br)
	case types.ProxySOCKS5:
		fp.serveSOCKS5(c, br)
	}
}

func (fp *fakeProxy) serveHTTP(c net.Conn, br *bufio.Reader) {
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	if fp.user != "" {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(fp.user+":"+fp.pass))
		if req.Header.Get("Proxy-Authorization") != want {
			io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
			return
		}
	}
	up, err := net.Dial("tcp", req.Host)
	if err != nil {
		io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	io.WriteString(c, "HTTP/1.1 200 Connection established\r\nContent-Length: 0\r\n\r\n")
	relay(c, br, up)
}

func (fp *fakeProxy) serveSOCKS4(c net.Conn, br *bufio.Reader) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != 4 || hdr[1] != 1 {
		return
	}
	userID, err := br.ReadString(0)
	if err != nil {
		return
	}
	userID = userID[:len(userID)-1]
	if fp.user != "" && userID != fp.user {
		c.Write([]byte{0, 0x5d, 0, 0, 0, 0, 0, 0})
		return
	}
	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := netip.AddrFrom4([4]byte(hdr[4:8]))
	up, err := net.Dial("tcp", netip.AddrPortFrom(ip, port).String())
	if err != nil {
		c.Write([]byte{0, 0x5b, 0, 0, 0, 0, 0, 0})
		return
	}
	c.Write([]byte{0, 0x5a, 0, 0, 0, 0, 0, 0})
	relay(c, br, up)
}

func (fp *fakeProxy) serveSOCKS5(c net.Conn, br *bufio.Reader) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(br, head); err != nil || head[0] != 5 {
		return
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	if fp.user == "" {
		c.Write([]byte{5, 0x00})
	} else {
		offered := false
		for _, m := range methods {
			if m == 0x02 {
				offered = true
			}
		}
		if !offered {
			c.Write([]byte{5, 0xff})
			return
		}
		c.Write([]byte{5, 0x02})
		ver := make([]byte, 2)
		if _, err := io.ReadFull(br, ver); err != nil {
			return
		}
		user := make([]byte, ver[1])
		io.ReadFull(br, user)
		plen, _ := br.ReadByte()
		pass := make([]byte, plen)
		io.ReadFull(br, pass)
		if string(user) != fp.user || string(pass) != fp.pass {
			c.Write([]byte{1, 1})
			return
		}
		c.Write([]byte{1, 0})
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil || req[1] != 1 {
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		ip := make([]byte, 4)
		io.ReadFull(br, ip)
		host = net.IP(ip).String()
	case 0x03:
		n, _ := br.ReadByte()
		name := make([]byte, n)
		io.ReadFull(br, name)
		host = string(name)
	default:
		return
	}
	portBuf := make([]byte, 2)
	io.ReadFull(br, portBuf)
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf))))

	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{5, 0x05, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	c.Write([]byte{5, 0x00, 0, 1, 0, 0, 0, 0, 0, 0})
	relay(c, br, up)
}

func relay(client net.Conn, clientReader io.Reader, up net.Conn) {
	defer up.Close()
	go func() {
		io.Copy(up, clientReader)
		up.Close()
	}()
	io.Copy(client, up)
}
