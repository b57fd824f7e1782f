package sshtrans

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	socks "github.com/fangdingjun/socks-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// sshServe starts a server session on every connection it is handed.
func sshServe(t *testing.T) func(net.Conn) {
	key := hostKey(t)
	return func(c net.Conn) {
		s := NewServer(c, &Conf{HostKeys: []ssh.Signer{key}}, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Start(ctx); err != nil {
			return
		}
		go func() {
			<-time.After(10 * time.Second)
			s.Close()
		}()
	}
}

func serveListener(t *testing.T, l net.Listener, serve func(net.Conn)) {
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
}

func checkSession(t *testing.T, tr *Transport) {
	defer tr.Close()
	assert.NotEmpty(t, tr.SessionID())
	ctx := testContext(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.SendIgnore(ctx, 0))
	}
	require.NoError(t, tr.Renegotiate(ctx))
	assert.True(t, tr.IsActive())
}

func TestDialTCPScheme(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveListener(t, l, sshServe(t))

	d := &Dialer{}
	tr, err := d.DialContext(testContext(t), l.Addr().String())
	require.NoError(t, err)
	checkSession(t, tr)

	tr, err = d.Dial("tcp://" + l.Addr().String())
	require.NoError(t, err)
	checkSession(t, tr)
}

func TestDialUnknownScheme(t *testing.T) {
	_, err := (&Dialer{}).Dial("quic://127.0.0.1:22")
	assert.Error(t, err)
}

func TestDialTLS(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.StartTLS()
	defer srv.Close()

	l, err := tls.Listen("tcp", "127.0.0.1:0", srv.TLS)
	require.NoError(t, err)
	serveListener(t, l, sshServe(t))

	d := &Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	tr, err := d.Dial("tls://" + l.Addr().String())
	require.NoError(t, err)
	checkSession(t, tr)
}

func TestDialWebsocket(t *testing.T) {
	srv := httptest.NewServer(WSHandler(sshServe(t)))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	tr, err := (&Dialer{}).Dial("ws://" + u.Host + "/ssh")
	require.NoError(t, err)
	checkSession(t, tr)

	tlsSrv := httptest.NewTLSServer(WSHandler(sshServe(t)))
	defer tlsSrv.Close()
	u, _ = url.Parse(tlsSrv.URL)
	d := &Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	tr, err = d.Dial("wss://" + u.Host + "/ssh")
	require.NoError(t, err)
	checkSession(t, tr)
}

func TestWSConnReadDeadline(t *testing.T) {
	conns := make(chan net.Conn, 1)
	srv := httptest.NewServer(WSHandler(func(c net.Conn) { conns <- c }))
	defer srv.Close()

	c, err := NewWSConn("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer c.Close()
	s := <-conns
	defer s.Close()

	c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = c.Read(make([]byte, 4))
	require.Error(t, err)
	ne, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, ne.Timeout())

	// the connection survives a timed out read
	c.SetReadDeadline(time.Time{})
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	s.Close()
	_, err = c.Read(buf)
	assert.Equal(t, io.EOF, err)
}

// connectProxy is a minimal http CONNECT proxy.
func connectProxy(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveListener(t, l, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		req, err := http.ReadRequest(r)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		up, err := net.Dial("tcp", req.Host)
		if err != nil {
			fmt.Fprintf(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		fmt.Fprintf(c, "HTTP/1.1 200 Connection established\r\nProxy-Agent: test\r\n\r\n")
		PipeAndClose(up, &httpProxyConn{Conn: c, r: r})
	})
	return l.Addr().String()
}

func socksProxy(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveListener(t, l, func(c net.Conn) {
		s := socks.Conn{Conn: c, Dial: net.Dial}
		s.Serve()
	})
	return l.Addr().String()
}

func TestDialThroughProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveListener(t, l, sshServe(t))

	for _, p := range []string{
		"http://" + connectProxy(t),
		"socks5://" + socksProxy(t),
	} {
		pu, err := url.Parse(p)
		require.NoError(t, err)
		d := &Dialer{Proxy: func() (*url.URL, error) { return pu, nil }}
		tr, err := d.Dial(l.Addr().String())
		require.NoError(t, err, p)
		checkSession(t, tr)
	}

	// a nil proxy url dials directly
	d := &Dialer{Proxy: func() (*url.URL, error) { return nil, nil }}
	tr, err := d.Dial(l.Addr().String())
	require.NoError(t, err)
	checkSession(t, tr)
}

func TestProxyRefused(t *testing.T) {
	pu, err := url.Parse("http://" + connectProxy(t))
	require.NoError(t, err)
	d := &Dialer{Proxy: func() (*url.URL, error) { return pu, nil }}
	_, err = d.Dial(freeAddr(t))
	assert.Error(t, err)

	_, err = dialProxy(&url.URL{Scheme: "ftp", Host: "127.0.0.1:1"}, "127.0.0.1:2")
	assert.Error(t, err)
}

// fakeSocks5 answers one CONNECT on s and writes reply and trailer in a
// single write, the way a proxy that already relays the target does.
func fakeSocks5(s net.Conn, methods int, reply []byte, trailer string) {
	defer s.Close()
	buf := make([]byte, 300)
	if _, err := io.ReadFull(s, buf[:2+methods]); err != nil {
		return
	}
	s.Write([]byte{0x05, 0x00})
	if _, err := io.ReadFull(s, buf[:5]); err != nil {
		return
	}
	if _, err := io.ReadFull(s, buf[:int(buf[4])+2]); err != nil {
		return
	}
	s.Write(append(reply, trailer...))
}

func TestSocks5ConnectKeepsTunnelBytes(t *testing.T) {
	for name, reply := range map[string][]byte{
		"ipv4":   {0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 22},
		"domain": {0x05, 0x00, 0x00, 0x03, 4, 'h', 'o', 's', 't', 0, 22},
	} {
		t.Run(name, func(t *testing.T) {
			c, s := net.Pipe()
			defer c.Close()
			go fakeSocks5(s, 1, reply, "SSH-2.0-peer\r\n")

			require.NoError(t, socks5Connect(c, "example.com:22", nil))
			line, err := bufio.NewReader(c).ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, "SSH-2.0-peer\r\n", line)
		})
	}
}

func TestSocks5ConnectFailure(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	go fakeSocks5(s, 2, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, "")

	user := url.UserPassword("u", "p")
	err := socks5Connect(c, "example.com:22", user)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 5")
}
