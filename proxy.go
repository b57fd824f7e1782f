package sshtrans

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
)

// dialProxy connects to addr through the proxy p.
func dialProxy(p *url.URL, addr string) (net.Conn, error) {
	switch p.Scheme {
	case "http":
		return dialHTTPProxy(addr, p)
	case "https":
		return dialHTTPSProxy(addr, p)
	case "socks5":
		return dialSocks5Proxy(addr, p)
	}
	return nil, errors.Errorf("sshtrans: unknown proxy scheme %s", p.Scheme)
}

// httpProxyConn keeps reading through the buffer used for the CONNECT
// reply, it may already hold tunnel bytes.
type httpProxyConn struct {
	net.Conn
	r io.Reader
}

func (hc *httpProxyConn) Read(b []byte) (int, error) {
	return hc.r.Read(b)
}

// validate the interface implements
var _ net.Conn = &httpProxyConn{}

func httpProxyHandshake(c net.Conn, addr string) (net.Conn, error) {
	log.Debugf("http handshake with %s", addr)
	fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\n", addr)
	fmt.Fprintf(c, "Host: %s\r\n", addr)
	fmt.Fprintf(c, "User-Agent: %s\r\n", defaultSoftware)
	fmt.Fprintf(c, "\r\n")

	r := bufio.NewReader(c)
	tp := textproto.NewReader(r)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP") {
		return nil, errors.Errorf("sshtrans: not http reply: %q", statusLine)
	}
	statusCode, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	if statusCode != 200 {
		return nil, errors.Errorf("sshtrans: proxy status %d", statusCode)
	}

	// drain the header
	if _, err = tp.ReadMIMEHeader(); err != nil {
		return nil, err
	}

	return &httpProxyConn{Conn: c, r: r}, nil
}

func dialHTTPProxy(addr string, p *url.URL) (net.Conn, error) {
	log.Debugf("dial to %s", p.Host)
	c, err := dialer.Dial("tcp", p.Host)
	if err != nil {
		return nil, err
	}

	c1, err := httpProxyHandshake(c, addr)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c1, nil
}

func dialHTTPSProxy(addr string, p *url.URL) (net.Conn, error) {
	c, err := tls.DialWithDialer(dialer, "tcp", p.Host, &tls.Config{
		ServerName:         p.Hostname(),
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}

	c1, err := httpProxyHandshake(c, addr)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c1, nil
}

func dialSocks5Proxy(addr string, p *url.URL) (net.Conn, error) {
	log.Debugf("dial to %s", p.Host)
	c, err := dialer.Dial("tcp", p.Host)
	if err != nil {
		return nil, err
	}
	c.SetDeadline(time.Now().Add(dialer.Timeout))
	if err := socks5Connect(c, addr, p.User); err != nil {
		c.Close()
		return nil, err
	}
	c.SetDeadline(time.Time{})
	return c, nil
}

const (
	socks5Version      = 0x05
	socks5NoAuth       = 0x00
	socks5PasswordAuth = 0x02
	socks5CmdConnect   = 0x01
	socks5AddrIPv4     = 0x01
	socks5AddrDomain   = 0x03
	socks5AddrIPv6     = 0x04
)

// socks5Connect runs the RFC 1928 CONNECT handshake. Every reply is read
// to its exact length so the first bytes of the tunnel stay in c.
func socks5Connect(c io.ReadWriter, addr string, user *url.Userinfo) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return errors.Wrap(err, "sshtrans: socks5 port")
	}
	if len(host) > 255 {
		return errors.Errorf("sshtrans: socks5 host name too long: %s", host)
	}

	methods := []byte{socks5NoAuth}
	if user != nil {
		methods = append(methods, socks5PasswordAuth)
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := c.Write(greeting); err != nil {
		return err
	}
	buf := make([]byte, 256)
	if _, err := io.ReadFull(c, buf[:2]); err != nil {
		return err
	}
	if buf[0] != socks5Version {
		return errors.Errorf("sshtrans: socks version %d", buf[0])
	}
	switch buf[1] {
	case socks5NoAuth:
	case socks5PasswordAuth:
		if user == nil {
			return errors.New("sshtrans: socks5 proxy wants a password")
		}
		if err := socks5Password(c, user); err != nil {
			return err
		}
	default:
		return errors.Errorf("sshtrans: socks5 proxy refused auth methods, code %d", buf[1])
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AddrDomain, byte(len(host))}
	req = append(req, host...)
	req = append(req, byte(portNum>>8), byte(portNum))
	if _, err := c.Write(req); err != nil {
		return err
	}

	if _, err := io.ReadFull(c, buf[:4]); err != nil {
		return err
	}
	if buf[1] != 0x00 {
		return errors.Errorf("sshtrans: socks5 connect to %s failed, code %d", addr, buf[1])
	}
	var n int
	switch buf[3] {
	case socks5AddrIPv4:
		n = 4
	case socks5AddrIPv6:
		n = 16
	case socks5AddrDomain:
		if _, err := io.ReadFull(c, buf[:1]); err != nil {
			return err
		}
		n = int(buf[0])
	default:
		return errors.Errorf("sshtrans: socks5 address type %d", buf[3])
	}
	// bound address and port
	_, err = io.ReadFull(c, buf[:n+2])
	return err
}

func socks5Password(c io.ReadWriter, user *url.Userinfo) error {
	name := user.Username()
	pass, _ := user.Password()
	if len(name) > 255 || len(pass) > 255 {
		return errors.New("sshtrans: socks5 credentials too long")
	}
	req := []byte{0x01, byte(len(name))}
	req = append(req, name...)
	req = append(req, byte(len(pass)))
	req = append(req, pass...)
	if _, err := c.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(c, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return errors.New("sshtrans: socks5 password rejected")
	}
	return nil
}
