package sshtrans

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	socks "github.com/fangdingjun/socks-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func forwardPair(t *testing.T, srv *ForwardServer) *pair {
	p := newPair(t, nil, nil, srv)
	srv.Attach(p.server)
	cerr, serr := p.start()
	require.NoError(t, cerr)
	require.NoError(t, serr)
	return p
}

func assertEcho(t *testing.T, c io.ReadWriter, msg string) {
	_, err := io.WriteString(c, msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func dialRetry(t *testing.T, addr string) net.Conn {
	var c net.Conn
	require.Eventually(t, func() bool {
		var err error
		c, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	return c
}

func TestDialTCP(t *testing.T) {
	echo := echoServer(t)
	p := forwardPair(t, &ForwardServer{})

	ch, err := p.client.DialTCP(testContext(t), echo, nil)
	require.NoError(t, err)
	defer ch.Close()
	assertEcho(t, ch, "hello, world")
}

func TestDialTCPConnectFailure(t *testing.T) {
	p := forwardPair(t, &ForwardServer{})

	// accepted first, closed once the dial fails
	ch, err := p.client.DialTCP(testContext(t), freeAddr(t), nil)
	require.NoError(t, err)
	_, err = ch.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func TestForwardServerRefusesUnknownKinds(t *testing.T) {
	p := forwardPair(t, &ForwardServer{})
	_, err := p.client.OpenChannel(testContext(t), "sftp", nil)
	var oe *ChannelOpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OpenUnknownChannelType, oe.Reason)

	resp, err := p.client.GlobalRequest(testContext(t), "tcpip-forward", true, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLocalForward(t *testing.T) {
	echo := echoServer(t)
	p := forwardPair(t, &ForwardServer{})
	f := NewForwarder(p.client)
	defer f.Close()

	local := freeAddr(t)
	require.NoError(t, f.AddLocalForward(local, echo))
	c := dialRetry(t, local)
	defer c.Close()
	assertEcho(t, c, "through the tunnel")
}

func TestDynamicForward(t *testing.T) {
	echo := echoServer(t)
	p := forwardPair(t, &ForwardServer{})
	f := NewForwarder(p.client)
	defer f.Close()

	local := freeAddr(t)
	require.NoError(t, f.AddDynamicForward(local))
	c := dialRetry(t, local)
	defer c.Close()

	sc := &socks.Client{Conn: c}
	conn, err := sc.Dial("tcp", echo)
	require.NoError(t, err)
	assertEcho(t, conn, "via socks")
}

func TestRemoteForward(t *testing.T) {
	echo := echoServer(t)
	p := forwardPair(t, &ForwardServer{AllowRemoteForward: true})
	f := NewForwarder(p.client)
	defer f.Close()

	remote := freeAddr(t)
	require.NoError(t, f.AddRemoteForward(testContext(t), remote, echo))
	c := dialRetry(t, remote)
	defer c.Close()
	assertEcho(t, c, "reverse")

	// a second request for the same address is refused
	assert.Error(t, f.AddRemoteForward(testContext(t), remote, echo))
}

func TestSFTP(t *testing.T) {
	p := forwardPair(t, &ForwardServer{SFTP: true})
	dir := t.TempDir()

	c, err := p.client.OpenSFTP(testContext(t))
	require.NoError(t, err)
	defer c.Close()

	name := filepath.Join(dir, "hello.txt")
	f, err := c.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte("sftp over sshtrans"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "sftp over sshtrans", string(data))

	st, err := c.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), st.Size())
}
